package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1.50", "1.50"},
		{"1,50", "1.50"},
		{"0", "0.00"},
		{" 12,3 ", "12.30"},
		{"2.345", "2.34"}, // half-even: 4 stays
		{"2.355", "2.36"}, // half-even: rounds to even 6
		{"-0.5", "-0.50"},
	}
	for _, c := range cases {
		m, err := Parse(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, m.String(), c.in)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "abc", "1.2.3", "1,2,3"} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrParse, in)
	}
}

func TestArithmetic(t *testing.T) {
	a := MustParse("1.70")
	b := MustParse("3.30")

	assert.Equal(t, "5.00", a.Add(b).String())
	assert.Equal(t, "1.60", b.Sub(a).String())
	assert.Equal(t, "3.40", a.MulInt(2).String())
	assert.Equal(t, "0.00", a.MulInt(0).String())
	assert.True(t, a.LessThan(b))
	assert.Equal(t, -1, a.Cmp(b))
	assert.Equal(t, 0, a.Cmp(MustParse("1.7")))
}

func TestMulIntPanicsOnNegative(t *testing.T) {
	assert.Panics(t, func() { MustParse("1.00").MulInt(-1) })
}

func TestNoFloatDrift(t *testing.T) {
	// 0.10 added ten times must be exactly 1.00, which float64 cannot do.
	sum := Zero
	tenth := MustParse("0.10")
	for i := 0; i < 10; i++ {
		sum = sum.Add(tenth)
	}
	assert.Equal(t, 0, sum.Cmp(MustParse("1.00")))
	assert.Equal(t, int64(100), sum.Cents())
}

func TestJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		Amount Money `json:"amount"`
	}
	data, err := json.Marshal(wrapper{Amount: MustParse("4.20")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"4.20"}`, string(data))

	var back wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"4,20"}`), &back))
	assert.Equal(t, "4.20", back.Amount.String())
}

func TestScan(t *testing.T) {
	var m Money
	require.NoError(t, m.Scan("7.35"))
	assert.Equal(t, int64(735), m.Cents())

	require.NoError(t, m.Scan([]byte("0.01")))
	assert.Equal(t, int64(1), m.Cents())

	require.NoError(t, m.Scan(nil))
	assert.True(t, m.IsZero())

	assert.Error(t, m.Scan(struct{}{}))
}

func TestDisplay(t *testing.T) {
	m := MustParse("1.50")
	assert.Equal(t, "1,50 €", m.Display(language.French))
	assert.Equal(t, "1.50 €", m.Display(language.Und))
}
