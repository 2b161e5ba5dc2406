package label

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	iface "YoloDataAug/interface"
)

// Ext is the extension every label file carries.
const Ext = ".txt"

// MalformedLabelError reports a label line that cannot be trusted: wrong
// field count, non-numeric fields, or geometry outside (0, 1].
type MalformedLabelError struct {
	Path   string
	Line   int
	Reason string
}

func (e *MalformedLabelError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed label %s:%d: %s", e.Path, e.Line, e.Reason)
	}
	return fmt.Sprintf("malformed label %s: %s", e.Path, e.Reason)
}

// Codec reads and writes YOLO label files. Validate enables the (0, 1]
// range check on decode; field count and numeric parsing are always enforced.
type Codec struct {
	Validate bool
}

var strict = Codec{Validate: true}

// Decode reads path with range validation enabled.
func Decode(path string) ([]iface.BoundingBox, error) {
	return strict.Decode(path)
}

// Encode writes boxes to path, replacing any existing file.
func Encode(path string, boxes []iface.BoundingBox) error {
	return strict.Encode(path, boxes)
}

// Decode parses the label file at path. A missing file yields no boxes.
func (c Codec) Decode(path string) ([]iface.BoundingBox, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []iface.BoundingBox{}, nil
		}
		return nil, fmt.Errorf("open label %s: %w", path, err)
	}
	defer f.Close()

	boxes := make([]iface.BoundingBox, 0)
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		box, reason := parseLine(line)
		if reason == "" && c.Validate {
			reason = Validate(box)
		}
		if reason != "" {
			return nil, &MalformedLabelError{Path: path, Line: lineNo, Reason: reason}
		}
		boxes = append(boxes, box)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read label %s: %w", path, err)
	}
	return boxes, nil
}

// Encode writes one "class x y w h" line per box. The last line is newline
// terminated; readers must not depend on it.
func (c Codec) Encode(path string, boxes []iface.BoundingBox) error {
	var sb strings.Builder
	for _, b := range boxes {
		sb.WriteString(FormatLine(b))
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write label %s: %w", path, err)
	}
	return nil
}

// FormatLine renders a box with the shortest exact float representation.
func FormatLine(b iface.BoundingBox) string {
	return strings.Join([]string{
		strconv.Itoa(b.ClassID),
		formatFloat(b.XCenter),
		formatFloat(b.YCenter),
		formatFloat(b.Width),
		formatFloat(b.Height),
	}, " ")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseLine(line string) (iface.BoundingBox, string) {
	fields := strings.Fields(line)
	if len(fields) != 5 {
		return iface.BoundingBox{}, fmt.Sprintf("expected 5 fields, got %d", len(fields))
	}
	var vals [5]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return iface.BoundingBox{}, fmt.Sprintf("field %d (%q) is not a number", i+1, f)
		}
		vals[i] = v
	}
	// class ids are written as "0" but some exporters emit "0.0"
	if vals[0] < 0 || vals[0] != math.Trunc(vals[0]) {
		return iface.BoundingBox{}, fmt.Sprintf("class id %q is not a non-negative integer", fields[0])
	}
	return iface.BoundingBox{
		ClassID: int(vals[0]),
		XCenter: vals[1],
		YCenter: vals[2],
		Width:   vals[3],
		Height:  vals[4],
	}, ""
}

// Validate returns an empty string when every geometry field lies in (0, 1],
// otherwise a description of the first offending field.
func Validate(b iface.BoundingBox) string {
	if b.ClassID < 0 {
		return fmt.Sprintf("class id %d is negative", b.ClassID)
	}
	fields := [...]struct {
		name string
		v    float64
	}{
		{"x_center", b.XCenter},
		{"y_center", b.YCenter},
		{"width", b.Width},
		{"height", b.Height},
	}
	for _, f := range fields {
		if !(f.v > 0 && f.v <= 1) {
			return fmt.Sprintf("%s = %s outside (0, 1]", f.name, formatFloat(f.v))
		}
	}
	return ""
}

// Path returns the label path for an image stem inside labelDir.
func Path(labelDir, stem string) string {
	return filepath.Join(labelDir, stem+Ext)
}
