package dataio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
)

// CSV yields one instance per record of a file of numbers. With
// label_column set, that column becomes a second blob.
type CSV struct {
	path     string
	header   bool
	labelCol int

	f    *os.File
	r    *csv.Reader
	row  uint64
	cur  Batch
	err  error
	cols int
}

// Init implements Iterator.
func (c *CSV) Init(p Params) error {
	c.path = p.String("path", "")
	if c.path == "" {
		return errors.New("csv: path is required")
	}
	var err error
	if c.header, err = p.Bool("has_header", false); err != nil {
		return err
	}
	if c.labelCol, err = p.Int("label_column", -1); err != nil {
		return err
	}
	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("csv: %w", err)
	}
	c.f = f
	c.Reset()
	return nil
}

// Reset implements Iterator.
func (c *CSV) Reset() {
	c.row = 0
	c.err = nil
	c.cols = 0
	if _, err := c.f.Seek(0, io.SeekStart); err != nil {
		c.err = fmt.Errorf("csv: rewind: %w", err)
		return
	}
	c.r = csv.NewReader(c.f)
	c.r.ReuseRecord = true
	c.r.TrimLeadingSpace = true
	if c.header {
		if _, err := c.r.Read(); err != nil && !errors.Is(err, io.EOF) {
			c.err = fmt.Errorf("csv: header: %w", err)
		}
	}
}

// Next implements Iterator.
func (c *CSV) Next() bool {
	if c.err != nil {
		return false
	}
	rec, err := c.r.Read()
	if errors.Is(err, io.EOF) {
		return false
	}
	if err != nil {
		c.err = fmt.Errorf("csv: %w", err)
		return false
	}
	if c.cols == 0 {
		c.cols = len(rec)
		if c.labelCol >= c.cols {
			c.err = fmt.Errorf("csv: label_column %d out of range for %d columns", c.labelCol, c.cols)
			return false
		}
	}

	features := make([]float32, 0, len(rec))
	var label []float32
	for i, field := range rec {
		v, err := strconv.ParseFloat(field, 32)
		if err != nil {
			c.err = fmt.Errorf("csv: row %d column %d: %w", c.row, i, err)
			return false
		}
		if i == c.labelCol {
			label = []float32{float32(v)}
			continue
		}
		features = append(features, float32(v))
	}

	c.cur = Batch{
		Index: []uint64{c.row},
		Data:  []Blob{{Shape: []int{len(features)}, Values: features}},
	}
	if label != nil {
		c.cur.Data = append(c.cur.Data, Blob{Shape: []int{1}, Values: label})
	}
	c.row++
	return true
}

// Value implements Iterator.
func (c *CSV) Value() Batch {
	return c.cur
}

// Err implements Iterator.
func (c *CSV) Err() error {
	return c.err
}

// Close closes the underlying file.
func (c *CSV) Close() error {
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}
