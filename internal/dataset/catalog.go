package dataset

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	hpaerrors "github.com/copyleftdev/hpacal/internal/errors"
	"github.com/copyleftdev/hpacal/internal/tables"
)

// SmoothingWindow is the moving-average width used for smoothed series.
const SmoothingWindow = 5

// Source locates one biomarker series of a cohort.
type Source struct {
	File string `json:"file"`
	// Rotation is the sample that starts the day when the series is
	// rearranged.
	Rotation int `json:"rotation,omitempty"`
}

// Cohort is a subject group within a study.
type Cohort struct {
	Name   string               `json:"name"`
	Series map[Biomarker]Source `json:"series"`
}

// Study is a published dataset.
type Study struct {
	Name     string   `json:"name"`
	Citation string   `json:"citation"`
	Unit     Unit     `json:"unit"`
	Cohorts  []Cohort `json:"cohorts"`
}

// Cohort returns the named cohort, ignoring case.
func (s Study) Cohort(name string) (Cohort, error) {
	for _, c := range s.Cohorts {
		if strings.EqualFold(c.Name, name) {
			return c, nil
		}
	}
	names := make([]string, len(s.Cohorts))
	for i, c := range s.Cohorts {
		names[i] = c.Name
	}
	return Cohort{}, hpaerrors.Invalidf("dataset", "cohort", "study %s has no cohort %q (have %v)", s.Name, name, names)
}

func cortisolOnly(file string, rotation int) map[Biomarker]Source {
	return map[Biomarker]Source{Cortisol: {File: file, Rotation: rotation}}
}

func both(cort, acth string, cortRotation, acthRotation int) map[Biomarker]Source {
	return map[Biomarker]Source{
		Cortisol: {File: cort, Rotation: cortRotation},
		ACTH:     {File: acth, Rotation: acthRotation},
	}
}

var catalog = []Study{
	{
		Name:     "yehuda",
		Citation: "Yehuda et al. 1996",
		Unit:     Minutes,
		Cohorts: []Cohort{
			{Name: "control", Series: cortisolOnly("Yehuda-1996-control-cortisol.txt", 0)},
			{Name: "ptsd", Series: cortisolOnly("Yehuda-1996-PTSD-cortisol.txt", 0)},
			{Name: "depressed", Series: cortisolOnly("Yehuda-1996-depressed-cortisol.txt", 0)},
		},
	},
	{
		Name:     "carroll",
		Citation: "Carroll et al. 2007",
		Unit:     Minutes,
		Cohorts: []Cohort{
			{Name: "control", Series: both("Carroll-2007-controlGroupCortisol.txt", "Carroll-2007-controlGroupACTH.txt", 60, 60)},
			{Name: "hc-depressed", Series: both("Carroll-2007-HCDepressedCortisol.txt", "Carroll-2007-HCDepressedACTH.txt", 60, 60)},
			{Name: "lc-depressed", Series: both("Carroll-2007-LCDepressedCortisol.txt", "Carroll-2007-LCDepressedACTH.txt", 60, 60)},
		},
	},
	{
		Name:     "golier",
		Citation: "Golier et al. 2007",
		Unit:     Hours,
		Cohorts: []Cohort{
			{Name: "ptsd", Series: both("Golier-2007-PTSD-cortisol.txt", "Golier-2007-PTSD-ACTH.txt", 7, 3)},
			{Name: "non-ptsd-trauma-exposed", Series: both("Golier-2007-non-PTSD-trauma-exposed-cortisol.txt", "Golier-2007-non-PTSD-trauma-exposed-ACTH.txt", 7, 3)},
			{Name: "non-exposed-control", Series: both("Golier-2007-non-exposed-control-cortisol.txt", "Golier-2007-non-exposed-control-ACTH.txt", 7, 3)},
		},
	},
	{
		Name:     "bremner",
		Citation: "Bremner et al. 2007",
		Unit:     Hours,
		Cohorts: []Cohort{
			{Name: "abused-ptsd", Series: cortisolOnly("Bremner-2007-abused-PTSD-cortisol.txt", 68)},
			{Name: "non-abused-ptsd", Series: cortisolOnly("Bremner-2007-non-abused-PTSD-cortisol.txt", 68)},
			{Name: "non-abused-non-ptsd", Series: cortisolOnly("Bremner-2007-non-abused-non-PTSD-cortisol.txt", 68)},
		},
	},
	{
		Name:     "patientf",
		Citation: "Bangsgaard & Ottesen 2017, control patient F",
		Unit:     Hours,
		Cohorts: []Cohort{
			{Name: "f", Series: both("Bangsgaard-Ottesen-2017-patient-f-cortisol-data.txt", "Bangsgaard-Ottesen-2017-patient-f-ACTH-data.txt", 0, 0)},
		},
	},
}

// Studies returns the catalog sorted by name.
func Studies() []Study {
	out := append([]Study(nil), catalog...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LookupStudy returns the named study, ignoring case.
func LookupStudy(name string) (Study, error) {
	for _, s := range catalog {
		if strings.EqualFold(s.Name, name) {
			return s, nil
		}
	}
	return Study{}, hpaerrors.Invalidf("dataset", "lookup", "unknown study %q", name)
}

// LoadOptions select the transformations applied by Provider.Load, in the
// order rotate, smooth, convert.
type LoadOptions struct {
	Rearrange bool
	Smooth    bool
	// Unit converts the time column when set.
	Unit Unit
}

// Provider reads catalog files from a data directory.
type Provider struct {
	dir string
}

// NewProvider returns a provider rooted at dir.
func NewProvider(dir string) *Provider {
	return &Provider{dir: dir}
}

// Dir returns the data directory.
func (p *Provider) Dir() string { return p.dir }

// Load reads one series of a cohort.
func (p *Provider) Load(study, cohort string, b Biomarker, opts LoadOptions) (Series, error) {
	st, err := LookupStudy(study)
	if err != nil {
		return Series{}, err
	}
	c, err := st.Cohort(cohort)
	if err != nil {
		return Series{}, err
	}
	src, ok := c.Series[b]
	if !ok {
		return Series{}, hpaerrors.Invalidf("dataset", "load", "%s/%s has no %s series", st.Name, c.Name, b)
	}
	s, err := ReadSeries(filepath.Join(p.dir, src.File), st.Unit)
	if err != nil {
		return Series{}, err
	}
	s.Name = st.Name + "/" + c.Name + "/" + string(b)
	if opts.Rearrange {
		s = s.Rotate(src.Rotation)
	}
	if opts.Smooth {
		if s, err = s.Smooth(SmoothingWindow); err != nil {
			return Series{}, err
		}
	}
	if opts.Unit != "" {
		s = s.In(opts.Unit)
	}
	return s, nil
}

// ReadSeries reads a two-column (time, value) table.
func ReadSeries(path string, unit Unit) (Series, error) {
	rows, err := tables.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Series{}, hpaerrors.Invalidf("dataset", "read", "data file %s does not exist", path)
		}
		return Series{}, hpaerrors.Wrap(err, "reading series").WithComponent("dataset")
	}
	if len(rows) == 0 {
		return Series{}, hpaerrors.Invalidf("dataset", "read", "%s is empty", path)
	}
	if len(rows[0]) != 2 {
		return Series{}, hpaerrors.Invalidf("dataset", "read", "%s has %d columns, expected 2", path, len(rows[0]))
	}
	cols := tables.Columns(rows)
	return Series{Name: filepath.Base(path), Unit: unit, Times: cols[0], Values: cols[1]}, nil
}
