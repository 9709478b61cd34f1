package raster

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/fsutil"
)

// Raster is an in-memory multi-band image. Band data is row-major float32.
type Raster struct {
	Grid        Grid
	DataType    DataType
	NoData      *float64
	BandNames   []string
	Bands       [][]float32
	Palette     *Palette
	Description string
}

// New allocates a zero-filled raster.
func New(g Grid, dt DataType, nbands int) *Raster {
	r := &Raster{Grid: g, DataType: dt, Bands: make([][]float32, nbands)}
	for i := range r.Bands {
		r.Bands[i] = make([]float32, g.Size())
	}
	return r
}

// NoDataValue returns the nodata sentinel pointer for a literal.
func NoDataValue(v float64) *float64 { return &v }

// IsNoData reports whether v is the nodata sentinel.
func (r *Raster) IsNoData(v float32) bool {
	return r.NoData != nil && float64(v) == *r.NoData
}

// Header derives the ENVI header for this raster.
func (r *Raster) Header() *Header {
	return &Header{
		Grid:        r.Grid,
		Bands:       len(r.Bands),
		DataType:    r.DataType,
		Interleave:  "bsq",
		NoData:      r.NoData,
		BandNames:   r.BandNames,
		Description: r.Description,
		Palette:     r.Palette,
	}
}

// Dataset is an opened ENVI file whose bands are read on demand.
type Dataset struct {
	Header
	Path string // data file
}

// Open parses the header of an ENVI raster without reading pixel data.
func Open(path string) (*Dataset, error) {
	dataPath := path
	if strings.EqualFold(filepath.Ext(path), ".hdr") {
		var err error
		if dataPath, err = findData(path); err != nil {
			return nil, err
		}
	}
	h, err := ReadHeader(path)
	if err != nil {
		return nil, err
	}
	return &Dataset{Header: *h, Path: dataPath}, nil
}

// ReadBand decodes one band (0-based).
func (d *Dataset) ReadBand(band int) ([]float32, error) {
	if band < 0 || band >= d.Bands {
		return nil, fmt.Errorf("band %d out of range (%d bands)", band, d.Bands)
	}
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open raster: %w", err)
	}
	defer f.Close()

	n := d.Grid.Size()
	size := d.DataType.Size()

	if d.Interleave == "bsq" {
		buf := make([]byte, n*size)
		off := int64(d.HeaderOffset) + int64(band)*int64(n*size)
		if _, err := f.ReadAt(buf, off); err != nil {
			return nil, fmt.Errorf("failed to read band %d of %s: %w", band, d.Path, err)
		}
		return decode(buf, d.DataType, d.byteOrder()), nil
	}

	// bil/bip: decode the whole cube and pick the band
	total := n * d.Bands * size
	buf := make([]byte, total)
	if _, err := f.ReadAt(buf, int64(d.HeaderOffset)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read %s: %w", d.Path, err)
	}
	all := decode(buf, d.DataType, d.byteOrder())
	out := make([]float32, n)
	cols, nb := d.Grid.Cols, d.Bands
	for row := 0; row < d.Grid.Rows; row++ {
		for col := 0; col < cols; col++ {
			var idx int
			if d.Interleave == "bil" {
				idx = (row*nb+band)*cols + col
			} else {
				idx = (row*cols+col)*nb + band
			}
			out[row*cols+col] = all[idx]
		}
	}
	return out, nil
}

func (d *Dataset) byteOrder() binary.ByteOrder {
	if d.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Read loads every band of an ENVI raster.
func Read(path string) (*Raster, error) {
	d, err := Open(path)
	if err != nil {
		return nil, err
	}
	return d.ReadAll()
}

// ReadAll loads every band of an opened dataset.
func (d *Dataset) ReadAll() (*Raster, error) {
	r := &Raster{
		Grid:        d.Grid,
		DataType:    d.DataType,
		NoData:      d.NoData,
		BandNames:   d.BandNames,
		Palette:     d.Palette,
		Description: d.Description,
		Bands:       make([][]float32, d.Bands),
	}
	for b := 0; b < d.Bands; b++ {
		data, err := d.ReadBand(b)
		if err != nil {
			return nil, err
		}
		r.Bands[b] = data
	}
	return r, nil
}

func decode(buf []byte, dt DataType, bo binary.ByteOrder) []float32 {
	size := dt.Size()
	n := len(buf) / size
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		p := buf[i*size : (i+1)*size]
		switch dt {
		case Uint8:
			out[i] = float32(p[0])
		case Int16:
			out[i] = float32(int16(bo.Uint16(p)))
		case Uint16:
			out[i] = float32(bo.Uint16(p))
		case Int32:
			out[i] = float32(int32(bo.Uint32(p)))
		case Uint32:
			out[i] = float32(bo.Uint32(p))
		case Float32:
			out[i] = math.Float32frombits(bo.Uint32(p))
		case Float64:
			out[i] = float32(math.Float64frombits(bo.Uint64(p)))
		}
	}
	return out
}

// Write stores r as band-sequential little-endian ENVI (x.img + x.hdr).
// Both files go through temp siblings; the header lands first so a visible data
// file always has its header.
func Write(path string, r *Raster) error {
	if err := r.validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	hdrPath := HeaderPath(path)
	tmpImg, tmpHdr := fsutil.TempSibling(path), fsutil.TempSibling(hdrPath)

	if err := writeData(tmpImg, r); err != nil {
		fsutil.Discard(tmpImg)
		return err
	}
	if err := writeHeaderFile(tmpHdr, r.Header()); err != nil {
		fsutil.Discard(tmpImg, tmpHdr)
		return err
	}
	if err := fsutil.Commit([2]string{tmpHdr, hdrPath}, [2]string{tmpImg, path}); err != nil {
		fsutil.Discard(tmpImg, tmpHdr)
		return err
	}
	return nil
}

// WriteHeader atomically rewrites only the header of an existing raster.
func WriteHeader(dataPath string, h *Header) error {
	hdrPath := HeaderPath(dataPath)
	tmp := fsutil.TempSibling(hdrPath)
	if err := writeHeaderFile(tmp, h); err != nil {
		fsutil.Discard(tmp)
		return err
	}
	return fsutil.Commit([2]string{tmp, hdrPath})
}

func writeHeaderFile(path string, h *Header) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create header: %w", err)
	}
	if err := h.Encode(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write header: %w", err)
	}
	return f.Close()
}

func writeData(path string, r *Raster) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create raster: %w", err)
	}
	w := bufio.NewWriterSize(f, 1<<20)
	size := r.DataType.Size()
	buf := make([]byte, size)
	for _, band := range r.Bands {
		for _, v := range band {
			encode(buf, v, r.DataType)
			if _, err := w.Write(buf); err != nil {
				f.Close()
				return fmt.Errorf("failed to write raster: %w", err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush raster: %w", err)
	}
	return f.Close()
}

func encode(buf []byte, v float32, dt DataType) {
	le := binary.LittleEndian
	switch dt {
	case Uint8:
		buf[0] = uint8(clampRound(v, 0, math.MaxUint8))
	case Int16:
		le.PutUint16(buf, uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
	case Uint16:
		le.PutUint16(buf, uint16(clampRound(v, 0, math.MaxUint16)))
	case Int32:
		le.PutUint32(buf, uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32))))
	case Uint32:
		le.PutUint32(buf, uint32(clampRound(v, 0, math.MaxUint32)))
	case Float32:
		le.PutUint32(buf, math.Float32bits(v))
	case Float64:
		le.PutUint64(buf, math.Float64bits(float64(v)))
	}
}

func clampRound(v float32, lo, hi float64) float64 {
	f := float64(v)
	if math.IsNaN(f) {
		return 0
	}
	f = math.Round(f)
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}

func (r *Raster) validate() error {
	if r.DataType.Size() == 0 {
		return fmt.Errorf("unsupported data type %d", r.DataType)
	}
	if len(r.Bands) == 0 {
		return fmt.Errorf("raster has no bands")
	}
	n := r.Grid.Size()
	for i, b := range r.Bands {
		if len(b) != n {
			return fmt.Errorf("band %d has %d pixels, want %d", i, len(b), n)
		}
	}
	return nil
}
