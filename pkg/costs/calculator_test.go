package costs

import (
	"errors"
	"math"
	"sync"
	"testing"

	"pgregory.net/rapid"
)

func testTable() Table {
	return Table{
		"gpt-4o": {
			InputPerMillion:  2_500_000,
			OutputPerMillion: 10_000_000,
			MaxOutputTokens:  16_384,
		},
		"claude-sonnet": {
			InputPerMillion:  3_000_000,
			OutputPerMillion: 15_000_000,
		},
	}
}

func TestCalculator_Cost(t *testing.T) {
	calc := NewCalculator(testTable(), 0)

	tests := []struct {
		name    string
		in, out int64
		model   string
		want    int64
		wantErr error
	}{
		{name: "typical call", in: 1000, out: 500, model: "gpt-4o", want: 7_500},
		{name: "truncates sub-microdollar", in: 1, out: 1, model: "gpt-4o", want: 12},
		{name: "zero tokens", in: 0, out: 0, model: "gpt-4o", want: 0},
		{name: "provider qualified name", in: 1_000_000, out: 0, model: "openai/gpt-4o", want: 2_500_000},
		{name: "unknown model fails closed", in: 10, out: 10, model: "gpt-5-mystery", wantErr: ErrUnknownModel},
		{name: "negative tokens", in: -1, out: 0, model: "gpt-4o", wantErr: ErrInvalidTokens},
		{name: "overflow", in: math.MaxInt64, out: 0, model: "gpt-4o", wantErr: ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.Cost(tt.in, tt.out, tt.model)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Cost() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Cost() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Cost() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCalculator_MaxCost(t *testing.T) {
	calc := NewCalculator(testTable(), 0)

	tests := []struct {
		name   string
		in     int64
		maxOut int64
		model  string
		want   int64
	}{
		{name: "model cap applies", in: 1000, maxOut: 0, model: "gpt-4o", want: 166_340},
		{name: "request cap below model cap", in: 1000, maxOut: 500, model: "gpt-4o", want: 7_500},
		{name: "request cap above model cap", in: 0, maxOut: 1_000_000, model: "gpt-4o", want: 163_840},
		{name: "default cap without model cap", in: 0, maxOut: 0, model: "claude-sonnet", want: 1_920_000},
		{name: "rounds up", in: 1, maxOut: 1, model: "gpt-4o", want: 13},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.MaxCost(tt.in, tt.maxOut, tt.model)
			if err != nil {
				t.Fatalf("MaxCost() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("MaxCost() = %d, want %d", got, tt.want)
			}
		})
	}

	if _, err := calc.MaxCost(1, 1, "unknown"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("MaxCost(unknown) error = %v, want ErrUnknownModel", err)
	}
}

func TestCalculator_MaxCostBoundsCost(t *testing.T) {
	calc := NewCalculator(testTable(), 4096)

	rapid.Check(t, func(rt *rapid.T) {
		model := rapid.SampledFrom([]string{"gpt-4o", "claude-sonnet"}).Draw(rt, "model")
		in := rapid.Int64Range(0, 2_000_000).Draw(rt, "in")
		maxOut := rapid.Int64Range(0, 50_000).Draw(rt, "maxOut")

		p, err := calc.Pricing(model)
		if err != nil {
			rt.Fatalf("Pricing: %v", err)
		}
		limit := p.MaxOutputTokens
		if limit == 0 {
			limit = 4096
		}
		if maxOut > 0 && maxOut < limit {
			limit = maxOut
		}
		out := rapid.Int64Range(0, limit).Draw(rt, "out")

		worst, err := calc.MaxCost(in, maxOut, model)
		if err != nil {
			rt.Fatalf("MaxCost: %v", err)
		}
		actual, err := calc.Cost(in, out, model)
		if err != nil {
			rt.Fatalf("Cost: %v", err)
		}
		if actual > worst {
			rt.Fatalf("Cost(%d, %d) = %d exceeds MaxCost = %d", in, out, actual, worst)
		}
	})
}

func TestCalculator_UpdatePricing(t *testing.T) {
	calc := NewCalculator(testTable(), 0)

	if _, err := calc.Pricing("new-model"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected new-model to be unknown, got %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = calc.Cost(10, 10, "gpt-4o")
			}
		}()
	}

	calc.UpdatePricing(Table{"new-model": {InputPerMillion: 1_000_000, OutputPerMillion: 1_000_000}})
	wg.Wait()

	got, err := calc.Cost(1_000_000, 1_000_000, "new-model")
	if err != nil {
		t.Fatalf("Cost() after update: %v", err)
	}
	if got != 2_000_000 {
		t.Errorf("Cost() = %d, want 2000000", got)
	}
	if _, err := calc.Pricing("gpt-4o"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("old model still priced after update")
	}
	if calc.Models() != 1 {
		t.Errorf("Models() = %d, want 1", calc.Models())
	}
}
