package ocr

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"warwatch/internal/config"
	"warwatch/internal/field"
)

// Read is one Tesseract pass over a crop variant.
type Read struct {
	Text       string
	Confidence float64 // [0,1]
}

// Candidate is a value parsed from a Read with its voting weight.
type Candidate struct {
	Text       string
	Value      int64
	Confidence float64
	Weight     float64
}

// misreads are glyphs Tesseract confuses with digits, and the digit each
// stands for.
var misreads = [][2]string{
	{"O", "0"}, {"o", "0"}, {"D", "0"},
	{"I", "1"}, {"l", "1"}, {"|", "1"},
	{"Z", "2"}, {"z", "2"},
	{"S", "5"}, {"s", "5"},
	{"B", "8"},
	{"g", "9"}, {"q", "9"},
}

// separatorChars are the thousands separators the game renders inside
// large values.
var separatorChars = []string{",", ".", "'", " ", "\u00a0"}

var (
	substitutions = newReplacer(misreads, func(p [2]string) []string { return p[:] })
	separators    = newReplacer(separatorChars, func(s string) []string { return []string{s, ""} })
)

func newReplacer[T any](items []T, pair func(T) []string) *strings.Replacer {
	var oldnew []string
	for _, it := range items {
		oldnew = append(oldnew, pair(it)...)
	}
	return strings.NewReplacer(oldnew...)
}

// Whitelist returns the characters Tesseract may emit: digits, the
// glyphs Normalize maps back to digits, and printable separators.
func Whitelist() string {
	var b strings.Builder
	b.WriteString(DigitChars)
	for _, m := range misreads {
		b.WriteString(m[0])
	}
	for _, sep := range separatorChars {
		if strings.TrimSpace(sep) != "" {
			b.WriteString(sep)
		}
	}
	return b.String()
}

var digitRun = regexp.MustCompile(`\d+`)

// Normalize maps misread glyphs to digits and strips separators between
// digits. It returns the digit runs left in text.
func Normalize(text string) []string {
	t := substitutions.Replace(strings.TrimSpace(text))
	t = separators.Replace(t)
	return digitRun.FindAllString(t, -1)
}

// InRange reports whether v is allowed for f. A zero Max is unbounded.
func InRange(v int64, f config.Field) bool {
	if v < f.Min {
		return false
	}
	return f.Max == 0 || v <= f.Max
}

// Candidates parses every digit run of every read into a weighted
// candidate, dropping values outside the field's range. Longer runs
// weigh slightly more so a lone stray digit loses to a full value.
func Candidates(reads []Read, f config.Field) []Candidate {
	var out []Candidate
	for _, rd := range reads {
		conf := min(1, max(0, rd.Confidence))
		for _, run := range Normalize(rd.Text) {
			v, err := strconv.ParseInt(run, 10, 64)
			if err != nil || !InRange(v, f) {
				continue
			}
			out = append(out, Candidate{
				Text:       run,
				Value:      v,
				Confidence: conf,
				Weight:     conf + 0.15*float64(min(len(run), 2)),
			})
		}
	}
	return out
}

// Vote picks the value with the largest summed weight. Ties go to the
// smaller value. Confidence is the mean read confidence of the winner
// scaled by its share of the total weight.
func Vote(cands []Candidate) field.Recognition {
	if len(cands) == 0 {
		return field.Recognition{}
	}
	type tally struct {
		text   string
		weight float64
		conf   float64
		n      int
	}
	byValue := map[int64]*tally{}
	var total float64
	for _, c := range cands {
		t, ok := byValue[c.Value]
		if !ok {
			t = &tally{text: c.Text}
			byValue[c.Value] = t
		}
		t.weight += c.Weight
		t.conf += c.Confidence
		t.n++
		total += c.Weight
	}
	values := make([]int64, 0, len(byValue))
	for v := range byValue {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool {
		a, b := byValue[values[i]], byValue[values[j]]
		if a.weight != b.weight {
			return a.weight > b.weight
		}
		return values[i] < values[j]
	})
	best := byValue[values[0]]
	share := 1.0
	if total > 0 {
		share = best.weight / total
	}
	return field.Recognition{
		Text:       best.text,
		Value:      values[0],
		Confidence: best.conf / float64(best.n) * share,
		Valid:      true,
	}
}
