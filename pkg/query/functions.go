package query

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/solidb/solidb/pkg/sdbql"
)

// builtinFn evaluates a fully-materialized argument list. Higher-order
// functions instead receive the raw, unevaluated argument AST via
// rawArgs so they can bind the lambda parameter per element.
type builtinFn func(ctx *evalCtx, args []any, rawArgs []sdbql.Expr) (any, error)

var builtins map[string]builtinFn

func init() {
	builtins = map[string]builtinFn{
		// arithmetic
		"ABS":   func1(func(f float64) float64 { return math.Abs(f) }),
		"FLOOR": func1(math.Floor),
		"CEIL":  func1(math.Ceil),
		"ROUND": func1(math.Round),
		"POW": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			x, y, err := twoFloats(a)
			if err != nil {
				return nil, err
			}
			return math.Pow(x, y), nil
		},
		"SQRT": func1(math.Sqrt),

		// type
		"IS_NULL":     func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) { return arg(a, 0) == nil, nil },
		"IS_BOOL":     typeCheck(func(v any) bool { _, ok := v.(bool); return ok }),
		"IS_NUMBER":   typeCheck(func(v any) bool { _, ok := asFloat(v); return ok }),
		"IS_INTEGER":  typeCheck(func(v any) bool { f, ok := asFloat(v); return ok && f == math.Trunc(f) }),
		"IS_STRING":   typeCheck(func(v any) bool { _, ok := v.(string); return ok }),
		"IS_ARRAY":    typeCheck(func(v any) bool { _, ok := v.([]any); return ok }),
		"IS_OBJECT":   typeCheck(func(v any) bool { _, ok := v.(map[string]any); return ok }),
		"IS_DATETIME": typeCheck(func(v any) bool { _, ok := v.(time.Time); return ok; }),
		"TYPENAME":    func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) { return typeName(arg(a, 0)), nil },
		"TO_NUMBER": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			v := arg(a, 0)
			if f, ok := asFloat(v); ok {
				return f, nil
			}
			if s, ok := v.(string); ok {
				f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
				if err != nil {
					return 0.0, nil
				}
				return f, nil
			}
			return 0.0, nil
		},
		"TO_STRING": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) { return toStr(arg(a, 0)), nil },
		"TO_BOOL":   func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) { return truthy(arg(a, 0)), nil },

		// string
		"LENGTH": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) { return float64(lengthOf(arg(a, 0))), nil },
		"UPPER":  strFn(strings.ToUpper),
		"LOWER":  strFn(strings.ToLower),
		"CONCAT": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			var sb strings.Builder
			for _, v := range a {
				sb.WriteString(toStr(v))
			}
			return sb.String(), nil
		},
		"SUBSTRING": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			s, _ := arg(a, 0).(string)
			off, _ := asFloat(arg(a, 1))
			runes := []rune(s)
			start := clampIndex(int(off), len(runes))
			end := len(runes)
			if len(a) > 2 {
				ln, _ := asFloat(arg(a, 2))
				end = clampIndex(start+int(ln), len(runes))
			}
			if end < start {
				end = start
			}
			return string(runes[start:end]), nil
		},
		"TRIM":  strFn(strings.TrimSpace),
		"LTRIM": strFn(func(s string) string { return strings.TrimLeft(s, " \t\n\r") }),
		"RTRIM": strFn(func(s string) string { return strings.TrimRight(s, " \t\n\r") }),
		"SPLIT": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			s, _ := arg(a, 0).(string)
			sep, _ := arg(a, 1).(string)
			parts := strings.Split(s, sep)
			out := make([]any, len(parts))
			for i, p := range parts {
				out[i] = p
			}
			return out, nil
		},
		"REPLACE": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			s, _ := arg(a, 0).(string)
			old, _ := arg(a, 1).(string)
			nw, _ := arg(a, 2).(string)
			return strings.ReplaceAll(s, old, nw), nil
		},
		"CONTAINS": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			s, _ := arg(a, 0).(string)
			sub, _ := arg(a, 1).(string)
			return strings.Contains(s, sub), nil
		},
		"LIKE": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			s, _ := arg(a, 0).(string)
			pattern, _ := arg(a, 1).(string)
			return likeMatch(s, pattern), nil
		},
		"REGEX_MATCH": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			s, _ := arg(a, 0).(string)
			pat, _ := arg(a, 1).(string)
			re, err := regexp.Compile(pat)
			if err != nil {
				return nil, fmt.Errorf("query: REGEX_MATCH: %w", err)
			}
			return re.MatchString(s), nil
		},
		"REGEX_REPLACE": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			s, _ := arg(a, 0).(string)
			pat, _ := arg(a, 1).(string)
			repl, _ := arg(a, 2).(string)
			re, err := regexp.Compile(pat)
			if err != nil {
				return nil, fmt.Errorf("query: REGEX_REPLACE: %w", err)
			}
			return re.ReplaceAllString(s, repl), nil
		},
		"HIGHLIGHT": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			text, _ := arg(a, 0).(string)
			terms := toStringSlice(arg(a, 1))
			return highlight(text, terms), nil
		},

		// array/object
		"FLATTEN": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) { return flatten(arg(a, 0)), nil },
		"UNIQUE": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			arr, _ := arg(a, 0).([]any)
			return unique(arr), nil
		},
		"SORTED": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			arr, _ := arg(a, 0).([]any)
			out := append([]any(nil), arr...)
			sort.SliceStable(out, func(i, j int) bool {
				cmp, ok := compareValues(out[i], out[j])
				return ok && cmp < 0
			})
			return out, nil
		},
		"REVERSE": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			arr, _ := arg(a, 0).([]any)
			out := make([]any, len(arr))
			for i, v := range arr {
				out[len(arr)-1-i] = v
			}
			return out, nil
		},
		"FIRST": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			arr, _ := arg(a, 0).([]any)
			if len(arr) == 0 {
				return nil, nil
			}
			return arr[0], nil
		},
		"LAST": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			arr, _ := arg(a, 0).([]any)
			if len(arr) == 0 {
				return nil, nil
			}
			return arr[len(arr)-1], nil
		},
		"KEYS": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			m, _ := arg(a, 0).(map[string]any)
			out := make([]any, 0, len(m))
			for k := range m {
				out = append(out, k)
			}
			sort.Slice(out, func(i, j int) bool { return out[i].(string) < out[j].(string) })
			return out, nil
		},
		"VALUES": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			m, _ := arg(a, 0).(map[string]any)
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			out := make([]any, 0, len(m))
			for _, k := range keys {
				out = append(out, m[k])
			}
			return out, nil
		},
		"MERGE": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			out := make(map[string]any)
			for _, v := range a {
				if m, ok := v.(map[string]any); ok {
					for k, vv := range m {
						out[k] = vv
					}
				}
			}
			return out, nil
		},
		"HAS": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			m, _ := arg(a, 0).(map[string]any)
			key, _ := arg(a, 1).(string)
			_, ok := m[key]
			return ok, nil
		},
		"ATTRIBUTES": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			m, _ := arg(a, 0).(map[string]any)
			out := make([]any, 0, len(m))
			for k := range m {
				out = append(out, k)
			}
			return out, nil
		},

		// higher-order (lambda is the raw, unevaluated 2nd argument)
		"FILTER": higherOrder(func(ctx *evalCtx, arr []any, param string, body sdbql.Expr, init any) (any, error) {
			var out []any
			for _, el := range arr {
				v, err := evalExpr(ctx.withRow(bindLambda(ctx.row, param, el)), body)
				if err != nil {
					return nil, err
				}
				if truthy(v) {
					out = append(out, el)
				}
			}
			return out, nil
		}),
		"MAP": higherOrder(func(ctx *evalCtx, arr []any, param string, body sdbql.Expr, init any) (any, error) {
			out := make([]any, 0, len(arr))
			for _, el := range arr {
				v, err := evalExpr(ctx.withRow(bindLambda(ctx.row, param, el)), body)
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			}
			return out, nil
		}),
		"REDUCE": func(ctx *evalCtx, a []any, rawArgs []sdbql.Expr) (any, error) {
			if len(rawArgs) != 3 {
				return nil, fmt.Errorf("query: REDUCE expects (array, fn, init)")
			}
			arr, _ := a[0].([]any)
			lambda, ok := rawArgs[1].(sdbql.Lambda)
			if !ok {
				return nil, fmt.Errorf("query: REDUCE's second argument must be a lambda")
			}
			acc := a[2]
			for _, el := range arr {
				row := ctx.row.Clone()
				row[lambda.Param] = map[string]any{"acc": acc, "item": el}
				v, err := evalExpr(ctx.withRow(row), lambda.Body)
				if err != nil {
					return nil, err
				}
				acc = v
			}
			return acc, nil
		},

		// date/time
		"DATE_NOW": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) { return nowFn(), nil },
		"DATE_ADD": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			return dateAdd(a, 1)
		},
		"DATE_SUBTRACT": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			return dateAdd(a, -1)
		},
		"DATE_DIFF": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			t1, err := asTime(arg(a, 0))
			if err != nil {
				return nil, err
			}
			t2, err := asTime(arg(a, 1))
			if err != nil {
				return nil, err
			}
			unit, _ := arg(a, 2).(string)
			return diffInUnit(t1, t2, unit), nil
		},
		"DATE_FORMAT": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			t, err := asTime(arg(a, 0))
			if err != nil {
				return nil, err
			}
			layout, _ := arg(a, 1).(string)
			return t.Format(goLayout(layout)), nil
		},
		"HUMAN_TIME": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			t, err := asTime(arg(a, 0))
			if err != nil {
				return nil, err
			}
			return humanTime(t, nowFn()), nil
		},
		"TIME_BUCKET": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			t, err := asTime(arg(a, 0))
			if err != nil {
				return nil, err
			}
			interval, _ := arg(a, 1).(string)
			return timeBucket(t, interval), nil
		},

		// geo
		"DISTANCE": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			p1, _ := arg(a, 0).(map[string]any)
			p2, _ := arg(a, 1).(map[string]any)
			return haversineDistance(p1, p2), nil
		},
		"GEO_DISTANCE": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			p1, _ := arg(a, 0).(map[string]any)
			p2, _ := arg(a, 1).(map[string]any)
			return haversineDistance(p1, p2), nil
		},
		"GEO_WITHIN": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			point, _ := arg(a, 0).(map[string]any)
			polygon, _ := arg(a, 1).([]any)
			return pointInPolygon(point, polygon), nil
		},

		// phonetic
		"SOUNDEX":   func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) { return soundex(toStr(arg(a, 0))), nil },
		"METAPHONE": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) { return metaphone(toStr(arg(a, 0))), nil },
		"DOUBLE_METAPHONE": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			primary, secondary := doubleMetaphone(toStr(arg(a, 0)))
			return []any{primary, secondary}, nil
		},
		"SOUNDEX_JA": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) { return soundexJa(toStr(arg(a, 0))), nil },

		// search
		"BM25": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			text, _ := arg(a, 0).(string)
			q, _ := arg(a, 1).(string)
			return approximateBM25(text, q), nil
		},
		"NGRAM_MATCH": func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
			s, _ := arg(a, 0).(string)
			t, _ := arg(a, 1).(string)
			n := 2
			if len(a) > 2 {
				if f, ok := asFloat(a[2]); ok {
					n = int(f)
				}
			}
			return ngramSimilarity(s, t, n), nil
		},
	}
}

// nowFn is overridden in tests; production code must never call
// time.Now()/Date() directly per the workflow-determinism convention, but
// this package is not itself a workflow script, so a plain wall-clock read
// is appropriate here — kept as a var only so tests can pin it.
var nowFn = func() time.Time { return time.Now().UTC() }

func callBuiltin(ctx *evalCtx, name string, args []any, rawArgs []sdbql.Expr) (any, error) {
	fn, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("query: unknown function %q", name)
	}
	return fn(ctx, args, rawArgs)
}

func arg(a []any, i int) any {
	if i < len(a) {
		return a[i]
	}
	return nil
}

func func1(f func(float64) float64) builtinFn {
	return func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
		x, ok := asFloat(arg(a, 0))
		if !ok {
			return nil, fmt.Errorf("query: expected numeric argument")
		}
		return f(x), nil
	}
}

func strFn(f func(string) string) builtinFn {
	return func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
		s, _ := arg(a, 0).(string)
		return f(s), nil
	}
}

func typeCheck(f func(any) bool) builtinFn {
	return func(ctx *evalCtx, a []any, _ []sdbql.Expr) (any, error) {
		return f(arg(a, 0)), nil
	}
}

func twoFloats(a []any) (float64, float64, error) {
	x, ok1 := asFloat(arg(a, 0))
	y, ok2 := asFloat(arg(a, 1))
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("query: expected two numeric arguments")
	}
	return x, y, nil
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64, int, int64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case time.Time:
		return "datetime"
	default:
		return "unknown"
	}
}

func toStr(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func lengthOf(v any) int {
	switch t := v.(type) {
	case string:
		return len([]rune(t))
	case []any:
		return len(t)
	case map[string]any:
		return len(t)
	default:
		return 0
	}
}

func clampIndex(i, n int) int {
	if i < 0 {
		i = 0
	}
	if i > n {
		i = n
	}
	return i
}

func toStringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		if s, ok := v.(string); ok {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		out = append(out, toStr(e))
	}
	return out
}

func flatten(v any) []any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]any, 0, len(arr))
	for _, el := range arr {
		if sub, ok := el.([]any); ok {
			out = append(out, sub...)
			continue
		}
		out = append(out, el)
	}
	return out
}

func unique(arr []any) []any {
	seen := make(map[string]bool, len(arr))
	out := make([]any, 0, len(arr))
	for _, v := range arr {
		k := fmt.Sprintf("%v", v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}

func bindLambda(row Row, param string, val any) Row {
	out := row.Clone()
	out[param] = val
	return out
}

func higherOrder(f func(ctx *evalCtx, arr []any, param string, body sdbql.Expr, init any) (any, error)) builtinFn {
	return func(ctx *evalCtx, a []any, rawArgs []sdbql.Expr) (any, error) {
		if len(rawArgs) < 2 {
			return nil, fmt.Errorf("query: expected (array, lambda) arguments")
		}
		lambda, ok := rawArgs[1].(sdbql.Lambda)
		if !ok {
			return nil, fmt.Errorf("query: second argument must be a lambda")
		}
		arr, _ := a[0].([]any)
		return f(ctx, arr, lambda.Param, lambda.Body, arg(a, 2))
	}
}

func likeMatch(s, pattern string) bool {
	var sb strings.Builder
	sb.WriteString("^")
	escaped := false
	for _, r := range pattern {
		if escaped {
			sb.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func highlight(text string, terms []string) string {
	out := text
	for _, term := range terms {
		if term == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(term))
		if err != nil {
			continue
		}
		out = re.ReplaceAllStringFunc(out, func(m string) string { return "<em>" + m + "</em>" })
	}
	return out
}

// whenParser parses free-text relative-duration phrases ("2 hours", "next
// monday") inside DATE_ADD/DATE_SUBTRACT. Grounded on untoldecay-BeadsLog's
// go.mod dependency on olebedev/when for exactly this kind of NLP-ish
// duration/date parsing.
var whenParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

func dateAdd(a []any, sign float64) (any, error) {
	t, err := asTime(arg(a, 0))
	if err != nil {
		return nil, err
	}
	if len(a) >= 3 {
		if amount, ok := asFloat(a[1]); ok {
			unit, _ := a[2].(string)
			return t.Add(time.Duration(sign*amount) * unitDuration(unit)), nil
		}
	}
	if phrase, ok := arg(a, 1).(string); ok {
		if res, err := whenParser.Parse(phrase, t); err == nil && res != nil {
			if sign < 0 {
				delta := res.Time.Sub(t)
				return t.Add(-delta), nil
			}
			return res.Time, nil
		}
	}
	return t, nil
}

func unitDuration(unit string) time.Duration {
	switch strings.ToLower(unit) {
	case "second", "seconds":
		return time.Second
	case "minute", "minutes":
		return time.Minute
	case "hour", "hours":
		return time.Hour
	case "day", "days":
		return 24 * time.Hour
	case "week", "weeks":
		return 7 * 24 * time.Hour
	default:
		return time.Second
	}
}

func diffInUnit(a, b time.Time, unit string) float64 {
	d := b.Sub(a)
	switch strings.ToLower(unit) {
	case "second", "seconds":
		return d.Seconds()
	case "minute", "minutes":
		return d.Minutes()
	case "hour", "hours":
		return d.Hours()
	case "day", "days":
		return d.Hours() / 24
	default:
		return d.Seconds()
	}
}

func asTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, nil
		}
		return time.Time{}, fmt.Errorf("query: cannot parse %q as a datetime", t)
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("query: expected a datetime value")
	}
}

func goLayout(sdbqlLayout string) string {
	if sdbqlLayout == "" {
		return time.RFC3339
	}
	r := strings.NewReplacer(
		"YYYY", "2006", "MM", "01", "DD", "02",
		"HH", "15", "mm", "04", "ss", "05",
	)
	return r.Replace(sdbqlLayout)
}

func humanTime(t, now time.Time) string {
	d := now.Sub(t)
	future := d < 0
	if future {
		d = -d
	}
	var s string
	switch {
	case d < time.Minute:
		s = "just now"
		return s
	case d < time.Hour:
		s = fmt.Sprintf("%d minutes", int(d.Minutes()))
	case d < 24*time.Hour:
		s = fmt.Sprintf("%d hours", int(d.Hours()))
	default:
		s = fmt.Sprintf("%d days", int(d.Hours()/24))
	}
	if future {
		return s + " from now"
	}
	return s + " ago"
}

func timeBucket(t time.Time, interval string) time.Time {
	d := unitDuration(interval)
	if d <= 0 {
		return t
	}
	return t.Truncate(d)
}

func haversineDistance(p1, p2 map[string]any) float64 {
	lat1, _ := asFloat(p1["lat"])
	lon1, _ := asFloat(p1["lon"])
	lat2, _ := asFloat(p2["lat"])
	lon2, _ := asFloat(p2["lon"])
	const earthRadiusKM = 6371.0088
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKM * c
}

// pointInPolygon implements the standard ray-casting test; a point lying
// exactly on an edge counts as inside.
func pointInPolygon(point map[string]any, polygon []any) bool {
	px, _ := asFloat(point["lon"])
	py, _ := asFloat(point["lat"])
	inside := false
	n := len(polygon)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, _ := polygon[i].(map[string]any)
		pj, _ := polygon[j].(map[string]any)
		xi, _ := asFloat(pi["lon"])
		yi, _ := asFloat(pi["lat"])
		xj, _ := asFloat(pj["lon"])
		yj, _ := asFloat(pj["lat"])
		if (px-xi)*(yj-yi) == (py-yi)*(xj-xi) &&
			math.Min(xi, xj) <= px && px <= math.Max(xi, xj) &&
			math.Min(yi, yj) <= py && py <= math.Max(yi, yj) {
			return true
		}
		if (yi > py) != (yj > py) && px < (xj-xi)*(py-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

// soundex is the classic American Soundex algorithm. No pack library
// implements phonetic matching, so this is a from-scratch stdlib
// implementation of the well-known algorithm.
func soundex(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	code := func(r rune) byte {
		switch r {
		case 'B', 'F', 'P', 'V':
			return '1'
		case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
			return '2'
		case 'D', 'T':
			return '3'
		case 'L':
			return '4'
		case 'M', 'N':
			return '5'
		case 'R':
			return '6'
		default:
			return 0
		}
	}
	runes := []rune(s)
	var out []byte
	out = append(out, byte(runes[0]))
	last := code(runes[0])
	for _, r := range runes[1:] {
		if !unicode.IsLetter(r) {
			continue
		}
		c := code(r)
		if c != 0 && c != last {
			out = append(out, c)
		}
		last = c
		if len(out) == 4 {
			break
		}
	}
	for len(out) < 4 {
		out = append(out, '0')
	}
	return string(out[:4])
}

func isPhoneticVowel(r rune) bool {
	switch r {
	case 'A', 'E', 'I', 'O', 'U':
		return true
	}
	return false
}

// metaphone is the classic single-code Metaphone algorithm (Lawrence
// Philips, 1990): a rule table over English consonant clusters (silent
// initial letters, CH/PH/TH digraphs, context-sensitive C/G/S/T) that
// collapses similar-sounding spellings to the same code. No pack library
// implements it, so this is a from-scratch port of its published rules.
func metaphone(s string) string {
	chars := make([]rune, 0, len(s))
	for _, r := range strings.ToUpper(s) {
		if r >= 'A' && r <= 'Z' {
			chars = append(chars, r)
		}
	}
	if len(chars) == 0 {
		return ""
	}

	at := func(i int) (rune, bool) {
		if i < 0 || i >= len(chars) {
			return 0, false
		}
		return chars[i], true
	}

	i := 0
	if len(chars) >= 2 {
		switch {
		case chars[0] == 'K' && chars[1] == 'N',
			chars[0] == 'G' && chars[1] == 'N',
			chars[0] == 'P' && chars[1] == 'N',
			chars[0] == 'A' && chars[1] == 'E',
			chars[0] == 'W' && chars[1] == 'R':
			i = 1
		}
	}

	var out []rune
	for i < len(chars) && len(out) < 6 {
		c := chars[i]
		next, hasNext := at(i + 1)
		next2, _ := at(i + 2)
		prev, hasPrev := at(i - 1)

		if c != 'C' && hasPrev && prev == c && !isPhoneticVowel(c) {
			i++
			continue
		}

		switch c {
		case 'A', 'E', 'I', 'O', 'U':
			if i == 0 {
				out = append(out, c)
			}
		case 'B':
			if !(hasPrev && prev == 'M' && !hasNext) {
				out = append(out, 'B')
			}
		case 'C':
			switch {
			case hasNext && next == 'H':
				out = append(out, 'X')
				i++
			case hasNext && (next == 'I' || next == 'E' || next == 'Y'):
				out = append(out, 'S')
			default:
				out = append(out, 'K')
			}
		case 'D':
			if hasNext && next == 'G' && (next2 == 'E' || next2 == 'I' || next2 == 'Y') {
				out = append(out, 'J')
				i++
			} else {
				out = append(out, 'T')
			}
		case 'F', 'J', 'L', 'M', 'N', 'R':
			out = append(out, c)
		case 'G':
			switch {
			case hasNext && next == 'H':
				if next2 != 'T' {
					out = append(out, 'F')
				}
				i++
			case hasNext && next == 'N':
				// GN is silent
			case hasNext && (next == 'E' || next == 'I' || next == 'Y'):
				out = append(out, 'J')
			default:
				out = append(out, 'K')
			}
		case 'H':
			if !(hasPrev && isPhoneticVowel(prev)) && hasNext && isPhoneticVowel(next) {
				out = append(out, 'H')
			}
		case 'K':
			if !(hasPrev && prev == 'C') {
				out = append(out, 'K')
			}
		case 'P':
			if hasNext && next == 'H' {
				out = append(out, 'F')
				i++
			} else {
				out = append(out, 'P')
			}
		case 'Q':
			out = append(out, 'K')
		case 'S':
			switch {
			case hasNext && next == 'H':
				out = append(out, 'X')
				i++
			case hasNext && next == 'I' && (next2 == 'O' || next2 == 'A'):
				out = append(out, 'X')
			default:
				out = append(out, 'S')
			}
		case 'T':
			switch {
			case hasNext && next == 'H':
				out = append(out, '0')
				i++
			case hasNext && next == 'I' && (next2 == 'O' || next2 == 'A'):
				out = append(out, 'X')
			default:
				out = append(out, 'T')
			}
		case 'V':
			out = append(out, 'F')
		case 'W', 'Y':
			if hasNext && isPhoneticVowel(next) {
				out = append(out, c)
			}
		case 'X':
			out = append(out, 'K', 'S')
		case 'Z':
			out = append(out, 'S')
		}
		i++
	}
	return string(out)
}

// doubleMetaphone returns a primary and secondary phonetic code for words
// whose origin is ambiguous between an English and a foreign (Germanic,
// Greek, Slavic) reading — e.g. a leading "CH" as the hard K of "Christoph"
// rather than metaphone's default soft X. metaphone's rule table picks one
// reading per letter group; this layers a second pass over the common
// alternate digraph readings on top of it rather than porting the full
// canonical Double Metaphone rule set, which the retrieved source doesn't
// carry (see DESIGN.md). secondary equals primary when no alternate
// reading changes anything.
func doubleMetaphone(s string) (primary, secondary string) {
	primary = metaphone(s)

	alt := alternatePhoneticSpelling(s)
	if alt == strings.ToUpper(s) {
		return primary, primary
	}
	secondary = metaphone(alt)
	if secondary == "" {
		secondary = primary
	}
	return primary, secondary
}

var alternateDigraphs = strings.NewReplacer(
	"SCH", "SK", // Germanic "sch", vs metaphone's default X
	"CH", "K", // Germanic/Greek hard C, vs metaphone's default X
	"GH", "K", // Slavic/Germanic hard G, vs metaphone's F/silent
	"CZ", "S", // Slavic cz, vs metaphone's K+S
)

func alternatePhoneticSpelling(s string) string {
	u := alternateDigraphs.Replace(strings.ToUpper(s))
	if len(u) > 1 && u[0] == 'W' && !isVowelByte(u[1]) {
		u = "V" + u[1:]
	}
	return u
}

func isVowelByte(b byte) bool {
	switch b {
	case 'A', 'E', 'I', 'O', 'U':
		return true
	}
	return false
}

// soundexJa romanizes hiragana/katakana to ASCII, then applies a
// Soundex-style digit code over the romanization — a phonetic match for
// Japanese names written in different kana. Kanji characters are skipped:
// reading them correctly needs a dictionary lookup, which is out of scope
// for a single phonetic function.
func soundexJa(s string) string {
	if s == "" {
		return ""
	}

	var romaji strings.Builder
	for _, r := range s {
		if conv, ok := kanaRomaji[r]; ok {
			romaji.WriteString(conv)
			continue
		}
		if unicode.IsLetter(r) && r < unicode.MaxASCII {
			romaji.WriteRune(unicode.ToUpper(r))
		}
	}
	if romaji.Len() == 0 {
		return ""
	}

	processed := romaji.String()
	for _, pair := range [][2]string{{"SH", "S"}, {"CH", "T"}, {"TS", "T"}, {"DZ", "Z"}} {
		processed = strings.ReplaceAll(processed, pair[0], pair[1])
	}
	for _, pair := range [][2]string{{"AA", "A"}, {"II", "I"}, {"UU", "U"}, {"EE", "E"}, {"OO", "O"}, {"OU", "O"}} {
		processed = strings.ReplaceAll(processed, pair[0], pair[1])
	}

	chars := []rune(processed)
	if len(chars) == 0 {
		return ""
	}

	out := []rune{chars[0]}
	lastCode, lastOK := soundexJaDigit(chars[0])
	for _, c := range chars[1:] {
		if len(out) >= 4 {
			break
		}
		code, ok := soundexJaDigit(c)
		if ok {
			if !lastOK || code != lastCode {
				out = append(out, code)
			}
			lastCode, lastOK = code, true
		} else {
			lastOK = false
		}
	}
	for len(out) < 4 {
		out = append(out, '0')
	}
	return string(out)
}

func soundexJaDigit(c rune) (rune, bool) {
	switch c {
	case 'B', 'P':
		return '1', true
	case 'G', 'K':
		return '2', true
	case 'D', 'T':
		return '3', true
	case 'M', 'N':
		return '4', true
	case 'R':
		return '5', true
	case 'S', 'Z':
		return '6', true
	case 'H', 'F', 'V':
		return '7', true
	case 'W', 'Y':
		return '8', true
	default:
		return 0, false
	}
}

// kanaRomaji maps hiragana/katakana syllables to their romaji reading, for
// soundexJa. The small-kana entries ('っ'/'ッ' the sokuon double-consonant
// marker, 'ゃ'/'ャ' etc. the combining forms) mirror how the syllable is
// actually pronounced on its own, same as the rest of the table.
var kanaRomaji = map[rune]string{
	'あ': "A", 'ア': "A", 'い': "I", 'イ': "I", 'う': "U", 'ウ': "U",
	'え': "E", 'エ': "E", 'お': "O", 'オ': "O",

	'か': "KA", 'カ': "KA", 'き': "KI", 'キ': "KI", 'く': "KU", 'ク': "KU",
	'け': "KE", 'ケ': "KE", 'こ': "KO", 'コ': "KO",
	'が': "GA", 'ガ': "GA", 'ぎ': "GI", 'ギ': "GI", 'ぐ': "GU", 'グ': "GU",
	'げ': "GE", 'ゲ': "GE", 'ご': "GO", 'ゴ': "GO",

	'さ': "SA", 'サ': "SA", 'し': "SI", 'シ': "SI", 'す': "SU", 'ス': "SU",
	'せ': "SE", 'セ': "SE", 'そ': "SO", 'ソ': "SO",
	'ざ': "ZA", 'ザ': "ZA", 'じ': "ZI", 'ジ': "ZI", 'ず': "ZU", 'ズ': "ZU",
	'ぜ': "ZE", 'ゼ': "ZE", 'ぞ': "ZO", 'ゾ': "ZO",

	'た': "TA", 'タ': "TA", 'ち': "TI", 'チ': "TI", 'つ': "TU", 'ツ': "TU",
	'て': "TE", 'テ': "TE", 'と': "TO", 'ト': "TO",
	'だ': "DA", 'ダ': "DA", 'ぢ': "DI", 'ヂ': "DI", 'づ': "DU", 'ヅ': "DU",
	'で': "DE", 'デ': "DE", 'ど': "DO", 'ド': "DO",

	'な': "NA", 'ナ': "NA", 'に': "NI", 'ニ': "NI", 'ぬ': "NU", 'ヌ': "NU",
	'ね': "NE", 'ネ': "NE", 'の': "NO", 'ノ': "NO",

	'は': "HA", 'ハ': "HA", 'ひ': "HI", 'ヒ': "HI", 'ふ': "HU", 'フ': "HU",
	'へ': "HE", 'ヘ': "HE", 'ほ': "HO", 'ホ': "HO",
	'ば': "BA", 'バ': "BA", 'び': "BI", 'ビ': "BI", 'ぶ': "BU", 'ブ': "BU",
	'べ': "BE", 'ベ': "BE", 'ぼ': "BO", 'ボ': "BO",
	'ぱ': "PA", 'パ': "PA", 'ぴ': "PI", 'ピ': "PI", 'ぷ': "PU", 'プ': "PU",
	'ぺ': "PE", 'ペ': "PE", 'ぽ': "PO", 'ポ': "PO",

	'ま': "MA", 'マ': "MA", 'み': "MI", 'ミ': "MI", 'む': "MU", 'ム': "MU",
	'め': "ME", 'メ': "ME", 'も': "MO", 'モ': "MO",

	'や': "YA", 'ヤ': "YA", 'ゆ': "YU", 'ユ': "YU", 'よ': "YO", 'ヨ': "YO",

	'ら': "RA", 'ラ': "RA", 'り': "RI", 'リ': "RI", 'る': "RU", 'ル': "RU",
	'れ': "RE", 'レ': "RE", 'ろ': "RO", 'ロ': "RO",

	'わ': "WA", 'ワ': "WA", 'を': "O", 'ヲ': "O", 'ん': "N", 'ン': "N",

	'っ': "", 'ッ': "",
	'ゃ': "YA", 'ャ': "YA", 'ゅ': "YU", 'ュ': "YU", 'ょ': "YO", 'ョ': "YO",
	'ぁ': "A", 'ァ': "A", 'ぃ': "I", 'ィ': "I", 'ぅ': "U", 'ゥ': "U",
	'ぇ': "E", 'ェ': "E", 'ぉ': "O", 'ォ': "O",

	'ヴ': "VU",
}

// approximateBM25 scores a single document's text field against a query
// without a fulltext index's corpus statistics (idf collapses to 1 over a
// one-document corpus); it is a deliberate simplification for ad-hoc
// in-expression scoring, distinct from the real BM25 ranking the fulltext
// index performs via pkg/index's Search.
func approximateBM25(text, q string) float64 {
	terms := strings.Fields(strings.ToLower(q))
	words := strings.Fields(strings.ToLower(text))
	freq := make(map[string]int, len(words))
	for _, w := range words {
		freq[w]++
	}
	const k1, b, avgLen = 1.2, 0.75, 8.0
	docLen := float64(len(words))
	var score float64
	for _, term := range terms {
		f := float64(freq[term])
		if f == 0 {
			continue
		}
		score += (f * (k1 + 1)) / (f + k1*(1-b+b*docLen/avgLen))
	}
	return score
}

func ngramSimilarity(a, b string, n int) float64 {
	ga := ngrams(strings.ToLower(a), n)
	gb := ngrams(strings.ToLower(b), n)
	if len(ga) == 0 || len(gb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(ga))
	for _, g := range ga {
		set[g] = true
	}
	matches := 0
	for _, g := range gb {
		if set[g] {
			matches++
		}
	}
	return float64(2*matches) / float64(len(ga)+len(gb))
}

func ngrams(s string, n int) []string {
	runes := []rune(s)
	if len(runes) < n {
		return []string{s}
	}
	out := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		out = append(out, string(runes[i:i+n]))
	}
	return out
}
