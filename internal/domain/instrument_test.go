package domain

import "testing"

func TestTypeFromID(t *testing.T) {
	tests := []struct {
		id   string
		want InstrumentType
	}{
		{"BTC-USDT", TypeSpot},
		{"ETH-USDT", TypeSpot},
		{"BTC-USDT-SWAP", TypePerpetual},
		{"BTC-USDT-FUTURES", TypeFutures},
		{"BTC-USD-OPTION", TypeOption},
		{"SOL-USDC", TypeSpot},
	}

	for _, tt := range tests {
		if got := TypeFromID(tt.id); got != tt.want {
			t.Errorf("TypeFromID(%q) = %s, want %s", tt.id, got, tt.want)
		}
	}
}

func TestNewInstrument(t *testing.T) {
	inst := NewInstrument("BTC-USDT-SWAP")
	if inst.BaseCurrency != "BTC" || inst.QuoteCurrency != "USDT" {
		t.Errorf("currency split wrong: %+v", inst)
	}
	if inst.Type != TypePerpetual {
		t.Errorf("expected perpetual, got %s", inst.Type)
	}
}

func TestInstrument_Normalize(t *testing.T) {
	t.Run("Corrupted Type Repaired", func(t *testing.T) {
		// Caller claims spot for a -SWAP symbol; the id wins.
		bad := Instrument{ID: "BTC-USDT-SWAP", Type: TypeSpot}
		fixed, corrected := bad.Normalize()
		if !corrected {
			t.Fatal("expected correction flag")
		}
		if fixed.Type != TypePerpetual {
			t.Errorf("expected perpetual, got %s", fixed.Type)
		}
		if fixed.BaseCurrency != "BTC" {
			t.Errorf("base currency not rebuilt: %+v", fixed)
		}
	})

	t.Run("Valid Untouched", func(t *testing.T) {
		good := NewInstrument("ETH-USDT")
		same, corrected := good.Normalize()
		if corrected {
			t.Error("no correction expected")
		}
		if same != good {
			t.Errorf("instrument changed: %+v", same)
		}
	})
}
