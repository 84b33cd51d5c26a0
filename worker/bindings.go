package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/openpanda/framebox/frame"
)

// maxStdoutBytes caps everything a script prints. Output past the cap is
// silently discarded.
const maxStdoutBytes = 1 << 20 // 1 MB

// cappedBuffer collects printed output up to a fixed byte limit.
type cappedBuffer struct {
	buf       bytes.Buffer
	remaining int
}

func newCappedBuffer() *cappedBuffer {
	return &cappedBuffer{remaining: maxStdoutBytes}
}

func (c *cappedBuffer) WriteLine(line string) {
	if c.remaining <= 0 {
		return
	}
	if len(line)+1 > c.remaining {
		line = trimToRuneBoundary(line, c.remaining-1)
	}
	c.buf.WriteString(line)
	c.buf.WriteByte('\n')
	c.remaining -= len(line) + 1
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}

// tableRegistry maps script-visible table objects back to the frames they
// wrap, so chained operations and result export can recover the real data.
type tableRegistry map[*goja.Object]*frame.Frame

// newTableObject wraps a frame in a script-visible object. Every method that
// derives new data returns a fresh table object over a fresh frame; the
// wrapped frame itself is never mutated.
//
//nolint:funlen // One closure per table method, flat by design
func newTableObject(vm *goja.Runtime, reg tableRegistry, f *frame.Frame) *goja.Object {
	obj := vm.NewObject()
	reg[obj] = f

	mustSet := func(name string, fn func(goja.FunctionCall) goja.Value) {
		if err := obj.Set(name, fn); err != nil {
			panic(vm.NewGoError(err))
		}
	}

	mustSet("filter", func(call goja.FunctionCall) goja.Value {
		keep, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("filter expects a function"))
		}
		filtered := f.Filter(func(row map[string]any) bool {
			v, err := keep(goja.Undefined(), vm.ToValue(row))
			if err != nil {
				panic(err)
			}
			return v.ToBoolean()
		})
		return newTableObject(vm, reg, filtered)
	})

	mustSet("select", func(call goja.FunctionCall) goja.Value {
		names := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			names[i] = arg.String()
		}
		selected, err := f.Select(names...)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return newTableObject(vm, reg, selected)
	})

	mustSet("head", func(call goja.FunctionCall) goja.Value {
		n := int(call.Argument(0).ToInteger())
		return newTableObject(vm, reg, f.Head(n))
	})

	mustSet("sortBy", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		ascending := true
		if len(call.Arguments) > 1 {
			ascending = call.Argument(1).ToBoolean()
		}
		sorted, err := f.SortBy(name, ascending)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return newTableObject(vm, reg, sorted)
	})

	aggregate := func(name string, agg func(string) (float64, error)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			v, err := agg(call.Argument(0).String())
			if err != nil {
				panic(vm.NewGoError(err))
			}
			return vm.ToValue(v)
		}
	}
	mustSet("sum", aggregate("sum", f.Sum))
	mustSet("mean", aggregate("mean", f.Mean))
	mustSet("min", aggregate("min", f.Min))
	mustSet("max", aggregate("max", f.Max))

	mustSet("count", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(f.NumRows())
	})

	mustSet("countNonNull", func(call goja.FunctionCall) goja.Value {
		n, err := f.CountNonNull(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(n)
	})

	mustSet("unique", func(call goja.FunctionCall) goja.Value {
		values, err := f.Unique(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(values)
	})

	mustSet("column", func(call goja.FunctionCall) goja.Value {
		c, err := f.Column(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(c.Values)
	})

	mustSet("rows", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(f.Rows())
	})

	mustSet("columns", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(f.ColumnNames())
	})

	mustSet("toString", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(f.String())
	})

	return obj
}

// installGlobals wires the print functions and the date/number helpers into
// the runtime, and blanks the dynamic-evaluation globals the policy already
// forbids.
func installGlobals(vm *goja.Runtime, reg tableRegistry, out *cappedBuffer) error {
	printFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = formatForPrint(reg, arg)
		}
		out.WriteLine(strings.Join(parts, " "))
		return goja.Undefined()
	}

	if err := vm.Set("print", printFn); err != nil {
		return err
	}
	console := vm.NewObject()
	for _, name := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(name, printFn); err != nil {
			return err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	// Validation already rejects these; blanking them as well means even a
	// validator gap cannot reach dynamic evaluation.
	if err := vm.Set("eval", goja.Undefined()); err != nil {
		return err
	}
	if err := vm.Set("Function", goja.Undefined()); err != nil {
		return err
	}

	helpers := map[string]func(goja.FunctionCall) goja.Value{
		"round": func(call goja.FunctionCall) goja.Value {
			x := call.Argument(0).ToFloat()
			digits := 0
			if len(call.Arguments) > 1 {
				digits = int(call.Argument(1).ToInteger())
			}
			p := math.Pow(10, float64(digits))
			return vm.ToValue(math.Round(x*p) / p)
		},
		"year": func(call goja.FunctionCall) goja.Value {
			t := mustParseDate(vm, call.Argument(0).String())
			return vm.ToValue(t.Year())
		},
		"month": func(call goja.FunctionCall) goja.Value {
			t := mustParseDate(vm, call.Argument(0).String())
			return vm.ToValue(int(t.Month()))
		},
		"day": func(call goja.FunctionCall) goja.Value {
			t := mustParseDate(vm, call.Argument(0).String())
			return vm.ToValue(t.Day())
		},
		"daysBetween": func(call goja.FunctionCall) goja.Value {
			a := mustParseDate(vm, call.Argument(0).String())
			b := mustParseDate(vm, call.Argument(1).String())
			return vm.ToValue(int(b.Sub(a).Hours() / 24))
		},
		"age": func(call goja.FunctionCall) goja.Value {
			born := mustParseDate(vm, call.Argument(0).String())
			now := time.Now()
			years := now.Year() - born.Year()
			if now.YearDay() < born.YearDay() {
				years--
			}
			return vm.ToValue(years)
		},
		"formatCurrency": func(call goja.FunctionCall) goja.Value {
			amount := call.Argument(0).ToFloat()
			symbol := "$"
			if len(call.Arguments) > 1 {
				symbol = call.Argument(1).String()
			}
			return vm.ToValue(symbol + groupThousands(amount))
		},
	}
	for name, fn := range helpers {
		if err := vm.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// dateLayouts are tried in order when a helper parses a date string.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006/01/02",
}

func mustParseDate(vm *goja.Runtime, s string) time.Time {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	panic(vm.NewTypeError("cannot parse date: %s", s))
}

// groupThousands renders an amount with two decimals and comma-separated
// thousands, e.g. 1234567.5 -> "1,234,567.50".
func groupThousands(amount float64) string {
	negative := amount < 0
	s := strconv.FormatFloat(math.Abs(amount), 'f', 2, 64)
	intPart, fracPart, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, digit := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(digit)
	}
	out := b.String() + "." + fracPart
	if negative {
		return "-" + out
	}
	return out
}

// formatForPrint renders one printed argument. Tables print their summary,
// plain objects print as JSON, everything else uses its string conversion.
func formatForPrint(reg tableRegistry, v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if f, found := reg[obj]; found {
			return f.String()
		}
		if data, err := json.Marshal(obj.Export()); err == nil {
			return string(data)
		}
		return fmt.Sprint(obj.Export())
	}
	return v.String()
}
