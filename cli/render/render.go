// Package render provides centralized output rendering for the promptopt CLI.
//
// Format selection rules:
//   - If output is a TTY, default to table
//   - If output is not a TTY, default to json
//   - --format flag always overrides defaults
//   - Invalid formats are errors
//
// --no-color affects table output only.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// Format represents an output format.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string, returning an error for invalid formats.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "table":
		return FormatTable, nil
	case "yaml":
		return FormatYAML, nil
	case "":
		return "", nil // Let caller decide default
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// Tabler is implemented by views with a hand-written table layout.
type Tabler interface {
	Table(w io.Writer, color bool) error
}

// Renderer handles output formatting.
type Renderer struct {
	format  Format
	noColor bool
	out     io.Writer
}

// NewRenderer creates a renderer from CLI context.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}

	out := c.App.Writer
	if out == nil {
		out = os.Stdout
	}
	f, isFile := out.(*os.File)
	tty := isFile && IsTTY(f)

	if format == "" {
		if tty {
			format = FormatTable
		} else {
			format = FormatJSON
		}
	}

	return &Renderer{
		format:  format,
		noColor: !tty || c.Bool("no-color") || os.Getenv("NO_COLOR") != "",
		out:     out,
	}, nil
}

// NewRendererWithWriter creates a renderer with a custom writer (for testing).
func NewRendererWithWriter(format Format, noColor bool, out io.Writer) *Renderer {
	return &Renderer{
		format:  format,
		noColor: noColor,
		out:     out,
	}
}

// Format returns the selected format.
func (r *Renderer) Format() Format {
	return r.format
}

// Render outputs the data in the configured format.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		return r.renderJSON(data)
	case FormatTable:
		if t, ok := data.(Tabler); ok {
			return t.Table(r.out, !r.noColor)
		}
		return r.renderTable(data)
	case FormatYAML:
		return r.renderYAML(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

func (r *Renderer) renderJSON(data any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (r *Renderer) renderYAML(data any) error {
	enc := yaml.NewEncoder(r.out)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return err
	}
	return enc.Close()
}

func (r *Renderer) renderTable(data any) error {
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Slice {
		return renderSliceTable(r.out, v)
	}
	return renderStructTable(r.out, data)
}

func renderSliceTable(out io.Writer, v reflect.Value) error {
	if v.Len() == 0 {
		_, err := fmt.Fprintln(out, "(no results)")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	headers := getHeaders(v.Index(0))
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	for i := 0; i < v.Len(); i++ {
		fmt.Fprintln(w, strings.Join(getRowValues(v.Index(i), headers), "\t"))
	}
	return w.Flush()
}

func renderStructTable(out io.Writer, data any) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			fmt.Fprintf(w, "%s:\t%s\n", fieldName(field), formatValue(v.Field(i)))
		}
	case reflect.Map:
		for _, key := range sortedKeys(v) {
			fmt.Fprintf(w, "%s:\t%s\n", key, formatValue(v.MapIndex(reflect.ValueOf(key))))
		}
	default:
		fmt.Fprintf(w, "%v\n", data)
	}

	return w.Flush()
}

func getHeaders(v reflect.Value) []string {
	if v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		v = v.Elem()
	}

	var headers []string
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).IsExported() {
				headers = append(headers, fieldName(t.Field(i)))
			}
		}
	case reflect.Map:
		headers = sortedKeys(v)
	}
	return headers
}

func getRowValues(v reflect.Value, headers []string) []string {
	if v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		v = v.Elem()
	}

	var values []string
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				values = append(values, formatValue(v.Field(i)))
			}
		}
	case reflect.Map:
		for _, h := range headers {
			values = append(values, formatValue(v.MapIndex(reflect.ValueOf(h))))
		}
	default:
		values = append(values, formatValue(v))
	}
	return values
}

// sortedKeys returns the string keys of a map in order.
func sortedKeys(v reflect.Value) []string {
	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		if k.Kind() == reflect.String {
			keys = append(keys, k.String())
		}
	}
	sort.Strings(keys)
	return keys
}

func fieldName(f reflect.StructField) string {
	if tag := f.Tag.Get("json"); tag != "" {
		name, _, _ := strings.Cut(tag, ",")
		if name != "" && name != "-" {
			return name
		}
	}
	return strings.ToLower(f.Name)
}

func formatValue(v reflect.Value) string {
	if !v.IsValid() {
		return ""
	}

	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return "[]"
		}
		return fmt.Sprintf("[%d items]", v.Len())
	case reflect.Map:
		if v.Len() == 0 {
			return "{}"
		}
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		if s, ok := v.Interface().(fmt.Stringer); ok {
			return s.String()
		}
		return "{...}"
	case reflect.String:
		return singleLine(v.String())
	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}

// singleLine collapses newlines so multi-line prompts keep table rows intact.
func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// IsTTY returns true if the file is a terminal.
func IsTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
