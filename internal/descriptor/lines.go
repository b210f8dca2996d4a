package descriptor

import (
	"errors"
	"fmt"
	"math"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoScaleLine is returned when no scale line matches a phase name.
var ErrNoScaleLine = errors.New("scale line not found")

// ErrNonFinite is returned for NaN or infinite values written by the engine.
var ErrNonFinite = errors.New("value is not finite")

// Kind identifies a recognised descriptor line.
type Kind int

const (
	KindPattern Kind = iota
	KindResultTable
	KindParameters
	KindProfile
	KindReflections
	KindScale
	KindFitMetric
)

func (k Kind) String() string {
	switch k {
	case KindPattern:
		return "pattern"
	case KindResultTable:
		return "result_table"
	case KindParameters:
		return "parameters"
	case KindProfile:
		return "profile"
	case KindReflections:
		return "reflections"
	case KindScale:
		return "scale"
	case KindFitMetric:
		return "fit_metric"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Line is a recognised line. Start and End delimit the argument (file name or value token)
// inside the raw line.
type Line struct {
	Number int
	Kind   Kind
	Start  int
	End    int
	Arg    string
	// Name is the scale parameter name for KindScale.
	Name string
}

var (
	patternRe     = regexp.MustCompile(`^\s*xdd\s+(?:"([^"]*)"|(\S+))`)
	resultTableRe = regexp.MustCompile(`^\s*out\s+(?:"([^"]*)"|(\S+))`)
	parametersRe  = regexp.MustCompile(`^\s*out_prm_vals_on_convergence\s+(?:"([^"]*)"|(\S+))`)
	profileRe     = regexp.MustCompile(`Out_X_Yobs_Ycalc_Ydiff\(\s*(?:"([^"]*)"|([^)\s]*))\s*\)`)
	reflectionsRe = regexp.MustCompile(`Create_hklm_d_Th2_Ip_file\(\s*(?:"([^"]*)"|([^)\s]*))\s*\)`)
	scaleRe       = regexp.MustCompile(`^\s*scale\s+(\S+)\s+(\S+)`)
	fitMetricRe   = regexp.MustCompile(`\br_wp\s+([-+]?\d+(?:\.\d*)?(?:[eE][-+]?\d+)?)`)
	minRe         = regexp.MustCompile(`\bmin\s+(\S+)`)
)

var fileLines = []struct {
	kind Kind
	re   *regexp.Regexp
}{
	{KindPattern, patternRe},
	{KindParameters, parametersRe},
	{KindResultTable, resultTableRe},
	{KindProfile, profileRe},
	{KindReflections, reflectionsRe},
}

// Locate returns every recognised line in document order. Lines starting with the engine's
// comment character (') are ignored.
func (s *Snapshot) Locate() []Line {
	var out []Line
	for i, raw := range s.lines {
		text, _ := body(raw)
		if strings.HasPrefix(strings.TrimSpace(text), "'") {
			continue
		}
		for _, fl := range fileLines {
			if m := fl.re.FindStringSubmatchIndex(text); m != nil {
				out = append(out, argLine(i, fl.kind, text, m))
				break
			}
		}
		if m := scaleRe.FindStringSubmatchIndex(text); m != nil {
			out = append(out, Line{
				Number: i,
				Kind:   KindScale,
				Start:  m[4],
				End:    m[5],
				Arg:    text[m[4]:m[5]],
				Name:   text[m[2]:m[3]],
			})
		}
		if m := fitMetricRe.FindStringSubmatchIndex(text); m != nil {
			out = append(out, Line{Number: i, Kind: KindFitMetric, Start: m[2], End: m[3], Arg: text[m[2]:m[3]]})
		}
	}
	return out
}

// argLine builds a Line from a match with a quoted (group 1) or bare (group 2) argument.
func argLine(number int, kind Kind, text string, m []int) Line {
	start, end := m[2], m[3]
	if start < 0 {
		start, end = m[4], m[5]
	}
	return Line{Number: number, Kind: kind, Start: start, End: end, Arg: text[start:end]}
}

// Find returns the recognised lines of one kind.
func (s *Snapshot) Find(kind Kind) []Line {
	var out []Line
	for _, l := range s.Locate() {
		if l.Kind == kind {
			out = append(out, l)
		}
	}
	return out
}

// Identity names the per-iteration output files.
type Identity struct {
	Timecode      int
	TimecodeWidth int
	// Index is the 1-based corrected position.
	Index int
}

// Name returns result_<timecode>_<index>, both zero-padded.
func (id Identity) Name() string {
	return fmt.Sprintf("result_%0*d_%06d", id.TimecodeWidth, id.Timecode, id.Index)
}

// ApplyIdentity points the pattern line at patternPath and renames every per-iteration output
// to carry id. It returns the numbers of the lines it changed.
func (s *Snapshot) ApplyIdentity(patternPath string, id Identity) []int {
	name := id.Name()
	var changed []int
	for _, l := range s.Locate() {
		var repl string
		switch l.Kind {
		case KindPattern:
			repl = patternPath
		case KindResultTable:
			repl = name + extOr(l.Arg, ".csv")
		case KindParameters:
			repl = name + extOr(l.Arg, ".txt")
		case KindProfile:
			repl = name + extOr(l.Arg, ".xy")
		case KindReflections:
			repl = name + ".hkli"
			if f := Formula(l.Arg); f != "" {
				repl = f + "_" + repl
			}
		default:
			continue
		}
		if s.replaceSpan(l.Number, l.Start, l.End, repl) {
			changed = append(changed, l.Number)
		}
	}
	return changed
}

// Formula returns the phase prefix of a reflections file name: the '_'-separated words before
// "result", with the extension dropped.
func Formula(arg string) string {
	base := path.Base(strings.ReplaceAll(arg, `\`, "/"))
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	var words []string
	for _, w := range strings.Split(base, "_") {
		if w == "result" {
			break
		}
		words = append(words, w)
	}
	return strings.Join(words, "_")
}

func extOr(arg, fallback string) string {
	if ext := path.Ext(arg); ext != "" {
		return ext
	}
	return fallback
}

// FitMetric returns the first finite r_wp value.
func (s *Snapshot) FitMetric() (float64, bool) {
	for _, l := range s.Find(KindFitMetric) {
		v, err := ParseValue(l.Arg)
		if err == nil {
			return v, true
		}
	}
	return 0, false
}

// scaleLine returns the scale line for phase. A case-insensitive exact name match wins; otherwise
// the name must be contained in exactly one scale parameter.
func (s *Snapshot) scaleLine(phase string) (Line, error) {
	needle := strings.ToLower(phase)
	var partial []Line
	for _, l := range s.Find(KindScale) {
		name := strings.ToLower(l.Name)
		if name == needle {
			return l, nil
		}
		if strings.Contains(name, needle) {
			partial = append(partial, l)
		}
	}
	switch len(partial) {
	case 1:
		return partial[0], nil
	case 0:
		return Line{}, fmt.Errorf("%w: phase %q", ErrNoScaleLine, phase)
	default:
		names := make([]string, len(partial))
		for i, l := range partial {
			names[i] = l.Name
		}
		return Line{}, fmt.Errorf("%w: phase %q is ambiguous between %s", ErrNoScaleLine, phase, strings.Join(names, ", "))
	}
}

// ScaleFactor returns the current scale value for phase. Refined values carry a trailing
// backtick and an optional _<esd>; both are ignored.
func (s *Snapshot) ScaleFactor(phase string) (float64, error) {
	l, err := s.scaleLine(phase)
	if err != nil {
		return 0, err
	}
	v, err := ParseValue(l.Arg)
	if err != nil {
		return 0, fmt.Errorf("scale line %d for phase %q: %w", l.Number+1, phase, err)
	}
	return v, nil
}

// ParseValue parses an engine value token such as 1.234e-3`_5.6e-5. NaN and infinities from a
// diverged refinement are rejected with ErrNonFinite.
func ParseValue(tok string) (float64, error) {
	if i := strings.IndexByte(tok, '`'); i >= 0 {
		tok = tok[:i]
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, fmt.Errorf("parse value %q: %w", tok, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("parse value %q: %w", tok, ErrNonFinite)
	}
	return v, nil
}

// FormatValue renders v the way values are written back into descriptors.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// SetScale rewrites phase's scale value and, when floor is set, makes sure the line carries a
// "min 0" limit so the engine cannot refine it back up. It returns the changed line number.
func (s *Snapshot) SetScale(phase string, value float64, floor bool) (int, error) {
	l, err := s.scaleLine(phase)
	if err != nil {
		return -1, err
	}
	s.replaceSpan(l.Number, l.Start, l.End, FormatValue(value))
	if floor {
		text, term := body(s.lines[l.Number])
		valueEnd := l.Start + len(FormatValue(value))
		tail := text[valueEnd:]
		if m := minRe.FindStringSubmatchIndex(tail); m != nil {
			text = text[:valueEnd] + tail[:m[2]] + "0" + tail[m[3]:]
		} else {
			text = strings.TrimRight(text, " \t") + " min 0"
		}
		s.lines[l.Number] = text + term
	}
	return l.Number, nil
}
