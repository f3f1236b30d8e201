package validation

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestIsValidBaseRate(t *testing.T) {
	tests := []struct {
		name  string
		rate  string
		valid bool
	}{
		{"floor", "20", true},
		{"ceiling", "200", true},
		{"inside", "45.50", true},
		{"below floor", "19.99", false},
		{"above ceiling", "200.01", false},
		{"sub-cent precision", "45.555", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidBaseRate(decimal.RequireFromString(tt.rate)))
		})
	}
}

func TestIsValidCustomAdjustment(t *testing.T) {
	assert.True(t, IsValidCustomAdjustment(decimal.NewFromInt(-20)))
	assert.True(t, IsValidCustomAdjustment(decimal.NewFromInt(50)))
	assert.True(t, IsValidCustomAdjustment(decimal.Zero))
	assert.False(t, IsValidCustomAdjustment(decimal.NewFromInt(-21)))
	assert.False(t, IsValidCustomAdjustment(decimal.RequireFromString("50.5")))
}

func TestIsValidRating(t *testing.T) {
	for r := 1; r <= 5; r++ {
		assert.True(t, IsValidRating(r))
	}
	assert.False(t, IsValidRating(0))
	assert.False(t, IsValidRating(6))
}

func TestIsValidID(t *testing.T) {
	assert.False(t, IsValidID(uuid.Nil))
	assert.True(t, IsValidID(uuid.New()))
}
