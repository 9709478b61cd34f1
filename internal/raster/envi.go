package raster

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DataType is the ENVI "data type" code.
type DataType int

const (
	Uint8   DataType = 1
	Int16   DataType = 2
	Int32   DataType = 3
	Float32 DataType = 4
	Float64 DataType = 5
	Uint16  DataType = 12
	Uint32  DataType = 13
)

// Size returns the element size in bytes.
func (d DataType) Size() int {
	switch d {
	case Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

func (d DataType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Int16:
		return "int16"
	case Uint16:
		return "uint16"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("envi-type-%d", int(d))
	}
}

// Color is one palette entry.
type Color struct {
	R, G, B, A uint8
}

// Palette maps class values to colors and names.
type Palette struct {
	Colors map[int]Color
	Names  map[int]string
}

// Header is a parsed ENVI .hdr file.
type Header struct {
	Grid         Grid
	Bands        int
	HeaderOffset int
	DataType     DataType
	Interleave   string // bsq, bil, bip
	BigEndian    bool
	NoData       *float64
	BandNames    []string
	Description  string
	Palette      *Palette
}

// HeaderPath returns the conventional header path for a data file (x.img → x.hdr).
func HeaderPath(dataPath string) string {
	return strings.TrimSuffix(dataPath, filepath.Ext(dataPath)) + ".hdr"
}

// findHeader accepts x.hdr or x.img.hdr next to the data file.
func findHeader(dataPath string) (string, error) {
	for _, p := range []string{HeaderPath(dataPath), dataPath + ".hdr"} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no ENVI header found for %s", dataPath)
}

// findData maps a header path to its data file.
func findData(hdrPath string) (string, error) {
	stem := strings.TrimSuffix(hdrPath, ".hdr")
	for _, p := range []string{stem, stem + ".img", stem + ".dat", stem + ".bsq"} {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("no data file found for header %s", hdrPath)
}

// ReadHeader parses the header belonging to a data or header path.
func ReadHeader(path string) (*Header, error) {
	hdr := path
	if !strings.EqualFold(filepath.Ext(path), ".hdr") {
		var err error
		if hdr, err = findHeader(path); err != nil {
			return nil, err
		}
	}
	f, err := os.Open(hdr)
	if err != nil {
		return nil, fmt.Errorf("failed to open header: %w", err)
	}
	defer f.Close()
	h, err := ParseHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", hdr, err)
	}
	return h, nil
}

// ParseHeader decodes ENVI header text.
func ParseHeader(r io.Reader) (*Header, error) {
	fields, err := scanFields(r)
	if err != nil {
		return nil, err
	}

	h := &Header{Interleave: "bsq"}
	ints := map[string]*int{"samples": &h.Grid.Cols, "lines": &h.Grid.Rows, "bands": &h.Bands, "header offset": &h.HeaderOffset}
	for k, dst := range ints {
		if v, ok := fields[k]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s %q", k, v)
			}
			*dst = n
		}
	}
	if h.Grid.Cols <= 0 || h.Grid.Rows <= 0 || h.Bands <= 0 {
		return nil, fmt.Errorf("header missing samples/lines/bands")
	}

	dt, err := strconv.Atoi(fields["data type"])
	if err != nil || DataType(dt).Size() == 0 {
		return nil, fmt.Errorf("unsupported data type %q", fields["data type"])
	}
	h.DataType = DataType(dt)

	if v := strings.ToLower(fields["interleave"]); v != "" {
		if v != "bsq" && v != "bil" && v != "bip" {
			return nil, fmt.Errorf("unsupported interleave %q", v)
		}
		h.Interleave = v
	}
	h.BigEndian = fields["byte order"] == "1"

	if v, ok := fields["data ignore value"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid data ignore value %q", v)
		}
		h.NoData = &f
	}
	if v, ok := fields["band names"]; ok {
		h.BandNames = splitList(v)
	}
	h.Description = fields["description"]
	h.Grid.Projection = fields["coordinate system string"]

	h.Grid.GeoTransform = [6]float64{0, 1, 0, 0, 0, -1}
	if v, ok := fields["map info"]; ok {
		if err := parseMapInfo(v, &h.Grid); err != nil {
			return nil, err
		}
	}

	if n, err := strconv.Atoi(fields["classes"]); err == nil && n > 0 {
		h.Palette = parsePalette(n, fields)
	}
	return h, nil
}

// scanFields collects key = value pairs; brace values may span lines.
func scanFields(r io.Reader) (map[string]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	fields := make(map[string]string)

	first := true
	var key string
	var buf strings.Builder
	open := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if first {
			if line == "" {
				continue
			}
			if !strings.HasPrefix(line, "ENVI") {
				return nil, fmt.Errorf("not an ENVI header")
			}
			first = false
			continue
		}
		if open {
			buf.WriteString(" ")
			buf.WriteString(line)
			if strings.Contains(line, "}") {
				fields[key] = trimBraces(buf.String())
				open = false
			}
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(line[:eq]))
		val := strings.TrimSpace(line[eq+1:])
		if strings.HasPrefix(val, "{") && !strings.Contains(val, "}") {
			buf.Reset()
			buf.WriteString(val)
			open = true
			continue
		}
		fields[key] = trimBraces(val)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if first {
		return nil, fmt.Errorf("empty header")
	}
	if open {
		return nil, fmt.Errorf("unterminated value for %q", key)
	}
	return fields, nil
}

func trimBraces(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	return strings.TrimSpace(s)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func parseMapInfo(v string, g *Grid) error {
	tok := splitList(v)
	if len(tok) < 7 {
		return fmt.Errorf("invalid map info %q", v)
	}
	nums := make([]float64, 6)
	for i := range nums {
		f, err := strconv.ParseFloat(tok[i+1], 64)
		if err != nil {
			return fmt.Errorf("invalid map info value %q", tok[i+1])
		}
		nums[i] = f
	}
	refX, refY, east, north, xs, ys := nums[0], nums[1], nums[2], nums[3], nums[4], nums[5]
	g.GeoTransform = [6]float64{east - (refX-1)*xs, xs, 0, north + (refY-1)*ys, 0, -ys}

	proj := []string{tok[0]}
	for _, t := range tok[7:] {
		if !strings.HasPrefix(strings.ToLower(t), "rotation") {
			proj = append(proj, t)
		}
	}
	g.MapInfo = strings.Join(proj, "|")
	return nil
}

func parsePalette(n int, fields map[string]string) *Palette {
	p := &Palette{Colors: make(map[int]Color, n), Names: make(map[int]string, n)}
	lookup := splitList(fields["class lookup"])
	alpha := splitList(fields["class alpha"])
	names := splitList(fields["class names"])
	for i := 0; i < n; i++ {
		if 3*i+2 < len(lookup) {
			c := Color{R: atou8(lookup[3*i]), G: atou8(lookup[3*i+1]), B: atou8(lookup[3*i+2]), A: 255}
			if i < len(alpha) {
				c.A = atou8(alpha[i])
			}
			p.Colors[i] = c
		}
		if i < len(names) {
			p.Names[i] = names[i]
		}
	}
	return p
}

func atou8(s string) uint8 {
	n, _ := strconv.Atoi(s)
	if n < 0 {
		return 0
	}
	if n > 255 {
		return 255
	}
	return uint8(n)
}

// Encode writes the header text. Output is deterministic for identical input.
func (h *Header) Encode(w io.Writer) error {
	var b strings.Builder
	b.WriteString("ENVI\n")
	if h.Description != "" {
		fmt.Fprintf(&b, "description = {%s}\n", h.Description)
	}
	fmt.Fprintf(&b, "samples = %d\n", h.Grid.Cols)
	fmt.Fprintf(&b, "lines = %d\n", h.Grid.Rows)
	fmt.Fprintf(&b, "bands = %d\n", h.Bands)
	fmt.Fprintf(&b, "header offset = %d\n", h.HeaderOffset)
	if h.Palette != nil {
		b.WriteString("file type = ENVI Classification\n")
	} else {
		b.WriteString("file type = ENVI Standard\n")
	}
	fmt.Fprintf(&b, "data type = %d\n", int(h.DataType))
	fmt.Fprintf(&b, "interleave = %s\n", h.Interleave)
	if h.BigEndian {
		b.WriteString("byte order = 1\n")
	} else {
		b.WriteString("byte order = 0\n")
	}

	gt := h.Grid.GeoTransform
	proj := strings.Split(h.Grid.MapInfo, "|")
	if h.Grid.MapInfo == "" {
		proj = []string{"Arbitrary"}
	}
	mi := []string{proj[0], "1", "1", ff(gt[0]), ff(gt[3]), ff(gt[1]), ff(-gt[5])}
	mi = append(mi, proj[1:]...)
	fmt.Fprintf(&b, "map info = {%s}\n", strings.Join(mi, ", "))
	if h.Grid.Projection != "" {
		fmt.Fprintf(&b, "coordinate system string = {%s}\n", h.Grid.Projection)
	}
	if h.NoData != nil {
		fmt.Fprintf(&b, "data ignore value = %s\n", ff(*h.NoData))
	}
	if len(h.BandNames) > 0 {
		fmt.Fprintf(&b, "band names = {%s}\n", strings.Join(h.BandNames, ", "))
	}
	if h.Palette != nil {
		writePalette(&b, h.Palette)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writePalette(b *strings.Builder, p *Palette) {
	maxClass := 0
	for k := range p.Colors {
		if k > maxClass {
			maxClass = k
		}
	}
	for k := range p.Names {
		if k > maxClass {
			maxClass = k
		}
	}
	n := maxClass + 1
	lookup := make([]string, 0, 3*n)
	alpha := make([]string, 0, n)
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		c, ok := p.Colors[i]
		if !ok {
			c = Color{A: 0}
		}
		lookup = append(lookup, strconv.Itoa(int(c.R)), strconv.Itoa(int(c.G)), strconv.Itoa(int(c.B)))
		alpha = append(alpha, strconv.Itoa(int(c.A)))
		name, ok := p.Names[i]
		if !ok {
			name = fmt.Sprintf("class_%d", i)
		}
		names = append(names, name)
	}
	fmt.Fprintf(b, "classes = %d\n", n)
	fmt.Fprintf(b, "class lookup = {%s}\n", strings.Join(lookup, ", "))
	fmt.Fprintf(b, "class alpha = {%s}\n", strings.Join(alpha, ", "))
	fmt.Fprintf(b, "class names = {%s}\n", strings.Join(names, ", "))
}

func ff(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// SortedClasses returns palette class values ascending.
func (p *Palette) SortedClasses() []int {
	out := make([]int, 0, len(p.Colors))
	for k := range p.Colors {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
