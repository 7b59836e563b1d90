package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOverrides(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[string]float64
		wantErr bool
	}{
		{"empty", "", map[string]float64{}, false},
		{"single", "band_period=25", map[string]float64{"band_period": 25}, false},
		{"multiple with spaces", " band_period = 25, take_profit_pips=60.5 ", map[string]float64{"band_period": 25, "take_profit_pips": 60.5}, false},
		{"missing value", "band_period", nil, true},
		{"missing name", "=3", nil, true},
		{"not a number", "band_period=wide", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOverrides(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
