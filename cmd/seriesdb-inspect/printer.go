package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"unicode"
	"unicode/utf8"
)

// printer renders rows either as an aligned table or as JSON lines.
type printer interface {
	header(cols ...string)
	row(vals ...any)
	flush() error
}

func newPrinter(w io.Writer, format string) (printer, error) {
	switch strings.ToLower(format) {
	case "auto", "":
		if isTerminal(w) {
			return newTablePrinter(w), nil
		}
		return &jsonPrinter{enc: json.NewEncoder(w)}, nil
	case "table":
		return newTablePrinter(w), nil
	case "json":
		return &jsonPrinter{enc: json.NewEncoder(w)}, nil
	}
	return nil, fmt.Errorf("unknown output format %q", format)
}

type tablePrinter struct {
	w *tabwriter.Writer
}

func newTablePrinter(w io.Writer) *tablePrinter {
	return &tablePrinter{w: tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)}
}

func (p *tablePrinter) header(cols ...string) {
	fmt.Fprintln(p.w, strings.Join(cols, "\t"))
	dashes := make([]string, len(cols))
	for i, c := range cols {
		dashes[i] = strings.Repeat("-", len(c))
	}
	fmt.Fprintln(p.w, strings.Join(dashes, "\t"))
}

func (p *tablePrinter) row(vals ...any) {
	strs := make([]string, len(vals))
	for i, v := range vals {
		strs[i] = fmt.Sprint(v)
	}
	fmt.Fprintln(p.w, strings.Join(strs, "\t"))
}

func (p *tablePrinter) flush() error { return p.w.Flush() }

type jsonPrinter struct {
	enc  *json.Encoder
	cols []string
	err  error
}

func (p *jsonPrinter) header(cols ...string) {
	p.cols = cols
}

func (p *jsonPrinter) row(vals ...any) {
	if p.err != nil {
		return
	}
	rec := make(map[string]any, len(vals))
	for i, v := range vals {
		name := fmt.Sprintf("col%d", i)
		if i < len(p.cols) {
			name = strings.ToLower(p.cols[i])
		}
		rec[name] = v
	}
	p.err = p.enc.Encode(rec)
}

func (p *jsonPrinter) flush() error { return p.err }

// formatBytes prints printable UTF-8 as is and anything else as hex.
func formatBytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) && strings.IndexFunc(string(b), func(r rune) bool { return !unicode.IsPrint(r) }) < 0 {
		return string(b)
	}
	return "0x" + hex.EncodeToString(b)
}

// parseBytes accepts the output of formatBytes.
func parseBytes(s string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		b, err := hex.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid hex key %q: %w", s, err)
		}
		return b, nil
	}
	return []byte(s), nil
}
