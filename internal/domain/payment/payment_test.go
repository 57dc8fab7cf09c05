package payment

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestToMinorUnits(t *testing.T) {
	tests := []struct {
		amount string
		want   int64
	}{
		{"60.00", 6000},
		{"0.01", 1},
		{"19.999", 2000},
		{"0", 0},
		{"1234.5", 123450},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			assert.Equal(t, tt.want, ToMinorUnits(decimal.RequireFromString(tt.amount)))
		})
	}
}

func TestFromMinorUnits(t *testing.T) {
	assert.True(t, decimal.RequireFromString("60.00").Equal(FromMinorUnits(6000)))
	assert.True(t, decimal.RequireFromString("0.07").Equal(FromMinorUnits(7)))
}
