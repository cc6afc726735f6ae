package model

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func bar(sym string, ts time.Time, close float64) Bar {
	return Bar{Symbol: sym, TS: ts, Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 100}
}

func TestValidateBars(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	if err := ValidateBars(nil); !errors.Is(err, ErrNoBars) {
		t.Fatalf("empty: expected ErrNoBars, got %v", err)
	}

	ok := []Bar{bar("AAPL", t0, 100), bar("AAPL", t0.Add(time.Minute), 101)}
	if err := ValidateBars(ok); err != nil {
		t.Fatalf("valid bars rejected: %v", err)
	}

	unsorted := []Bar{bar("AAPL", t0.Add(time.Minute), 100), bar("AAPL", t0, 101)}
	if err := ValidateBars(unsorted); err == nil {
		t.Error("unsorted bars accepted")
	}

	mixed := []Bar{bar("AAPL", t0, 100), bar("MSFT", t0.Add(time.Minute), 101)}
	if err := ValidateBars(mixed); err == nil {
		t.Error("mixed symbols accepted")
	}

	neg := []Bar{bar("AAPL", t0, 100)}
	neg[0].Low = 0
	if err := ValidateBars(neg); err == nil {
		t.Error("zero low accepted")
	}
}

func TestSignalValidate(t *testing.T) {
	tests := []struct {
		name    string
		sig     Signal
		wantErr bool
	}{
		{"buy ok", Signal{Symbol: "X", Direction: Buy, Confidence: 0.7, Entry: 100, StopLoss: 99, ProfitTarget: 102}, false},
		{"buy stop above entry", Signal{Symbol: "X", Direction: Buy, Confidence: 0.7, Entry: 100, StopLoss: 100.5, ProfitTarget: 102}, true},
		{"sell ok", Signal{Symbol: "X", Direction: Sell, Confidence: 0.7, Entry: 100, StopLoss: 101, ProfitTarget: 98}, false},
		{"sell target above", Signal{Symbol: "X", Direction: Sell, Confidence: 0.7, Entry: 100, StopLoss: 101, ProfitTarget: 100}, true},
		{"confidence too high", Signal{Symbol: "X", Direction: Buy, Confidence: 1.2, Entry: 100, StopLoss: 99, ProfitTarget: 102}, true},
		{"no direction", Signal{Symbol: "X", Confidence: 0.7, Entry: 100, StopLoss: 99, ProfitTarget: 102}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.sig.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestClampScore(t *testing.T) {
	if got := ClampScore(math.NaN(), 0.95); got != 0 {
		t.Errorf("NaN: got %v", got)
	}
	if got := ClampScore(-0.1, 0.95); got != 0 {
		t.Errorf("negative: got %v", got)
	}
	if got := ClampScore(1.4, 0.95); got != 0.95 {
		t.Errorf("cap: got %v", got)
	}
	if got := ClampScore(0.5, 0.95); got != 0.5 {
		t.Errorf("pass-through: got %v", got)
	}
}

func TestStaticBarSource(t *testing.T) {
	src := NewStaticBarSource()
	t0 := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	src.Set("AAPL", TF5m, []Bar{
		bar("AAPL", t0.Add(5*time.Minute), 101),
		bar("AAPL", t0, 100),
	})

	got, err := src.GetBars(context.Background(), "AAPL", TF5m, 2)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if !got[0].TS.Before(got[1].TS) {
		t.Error("bars not sorted ascending")
	}

	if _, err := src.GetBars(context.Background(), "AAPL", TF5m, 3); !errors.Is(err, ErrNoBars) {
		t.Errorf("short history: expected ErrNoBars, got %v", err)
	}
	if _, err := src.GetBars(context.Background(), "MSFT", TF5m, 1); !errors.Is(err, ErrNoBars) {
		t.Errorf("unknown symbol: expected ErrNoBars, got %v", err)
	}
}
