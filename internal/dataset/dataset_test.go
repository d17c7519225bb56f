package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hpaerrors "github.com/copyleftdev/hpacal/internal/errors"
)

func TestSmooth(t *testing.T) {
	s := Series{Times: []float64{0, 1, 2, 3, 4, 5, 6}, Values: []float64{1, 2, 3, 4, 10, 6, 7}}
	orig := s.Clone()

	got, err := s.Smooth(5)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 4, 5, 6, 6, 7}, got.Values)
	assert.Equal(t, s.Times, got.Times)
	assert.Equal(t, orig, s, "receiver modified")

	got.Times[0] = 99
	assert.Equal(t, 0.0, s.Times[0], "result aliases receiver")
}

func TestSmoothShortAndInvalid(t *testing.T) {
	s := Series{Times: []float64{0, 1, 2}, Values: []float64{3, 4, 5}}
	got, err := s.Smooth(5)
	require.NoError(t, err)
	assert.Equal(t, s.Values, got.Values)

	_, err = s.Smooth(4)
	assert.Error(t, err)
}

func TestUnitConversion(t *testing.T) {
	s := Series{Unit: Minutes, Times: []float64{0, 30, 90}, Values: []float64{1, 2, 3}}
	h := s.ToHours()
	assert.Equal(t, Hours, h.Unit)
	assert.Equal(t, []float64{0, 0.5, 1.5}, h.Times)
	assert.Equal(t, []float64{0, 30, 90}, s.Times)
	assert.Equal(t, s.Times, h.ToMinutes().Times)
	assert.Equal(t, s.Times, s.ToMinutes().Times)
}

func TestRotate(t *testing.T) {
	s := Series{Times: []float64{0, 10, 20, 30}, Values: []float64{1, 2, 3, 4}}
	tests := []struct {
		k    int
		want []float64
	}{
		{k: 0, want: []float64{1, 2, 3, 4}},
		{k: 1, want: []float64{2, 3, 4, 1}},
		{k: 3, want: []float64{4, 1, 2, 3}},
		{k: 6, want: []float64{3, 4, 1, 2}},
		{k: -1, want: []float64{4, 1, 2, 3}},
	}
	for _, tt := range tests {
		got := s.Rotate(tt.k)
		assert.Equal(t, tt.want, got.Values, "k=%d", tt.k)
		assert.Equal(t, s.Times, got.Times)
	}
	assert.Equal(t, []float64{1, 2, 3, 4}, s.Values)
}

func TestParse(t *testing.T) {
	u, err := ParseUnit(" Hours")
	require.NoError(t, err)
	assert.Equal(t, Hours, u)
	_, err = ParseUnit("days")
	assert.True(t, hpaerrors.IsInvalidConfig(err))

	b, err := ParseBiomarker("ACTH")
	require.NoError(t, err)
	assert.Equal(t, ACTH, b)
	_, err = ParseBiomarker("crh")
	assert.True(t, hpaerrors.IsInvalidConfig(err))
}

func TestCatalog(t *testing.T) {
	var names []string
	for _, s := range Studies() {
		names = append(names, s.Name)
		assert.NotEmpty(t, s.Cohorts)
		for _, c := range s.Cohorts {
			assert.Contains(t, c.Series, Cortisol, "%s/%s", s.Name, c.Name)
		}
	}
	assert.Equal(t, []string{"bremner", "carroll", "golier", "patientf", "yehuda"}, names)

	st, err := LookupStudy("Golier")
	require.NoError(t, err)
	c, err := st.Cohort("PTSD")
	require.NoError(t, err)
	assert.Equal(t, 7, c.Series[Cortisol].Rotation)
	assert.Equal(t, 3, c.Series[ACTH].Rotation)

	_, err = st.Cohort("healthy")
	assert.True(t, hpaerrors.IsInvalidConfig(err))
	_, err = LookupStudy("nelson")
	assert.True(t, hpaerrors.IsInvalidConfig(err))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestProviderLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Yehuda-1996-control-cortisol.txt", "0 1\n60 2\n120 3\n180 4\n240 10\n300 6\n360 7\n")
	p := NewProvider(dir)

	raw, err := p.Load("yehuda", "control", Cortisol, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "yehuda/control/cortisol", raw.Name)
	assert.Equal(t, Minutes, raw.Unit)
	assert.Equal(t, []float64{1, 2, 3, 4, 10, 6, 7}, raw.Values)

	smooth, err := p.Load("yehuda", "control", Cortisol, LoadOptions{Smooth: true, Unit: Hours})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 4, 5, 6, 6, 7}, smooth.Values)
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6}, smooth.Times)

	// Loading the smoothed series leaves later raw loads untouched.
	again, err := p.Load("yehuda", "control", Cortisol, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestProviderErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Yehuda-1996-PTSD-cortisol.txt", "0 1 2\n")
	p := NewProvider(dir)

	_, err := p.Load("yehuda", "control", Cortisol, LoadOptions{})
	assert.True(t, hpaerrors.IsInvalidConfig(err), "missing file: %v", err)

	_, err = p.Load("yehuda", "ptsd", Cortisol, LoadOptions{})
	assert.True(t, hpaerrors.IsInvalidConfig(err), "three columns: %v", err)

	_, err = p.Load("yehuda", "control", ACTH, LoadOptions{})
	assert.True(t, hpaerrors.IsInvalidConfig(err), "no ACTH: %v", err)
}
