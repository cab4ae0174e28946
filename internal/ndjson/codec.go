package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// MaxLineSize is the maximum NDJSON line size (256 KiB)
const MaxLineSize = 256 * 1024

// Encoder writes newline-delimited JSON records to an output stream
type Encoder struct {
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes one record as a single JSON line and flushes
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if len(data) > MaxLineSize {
		e.logger.Error("record exceeds size limit",
			"size", len(data),
			"limit", MaxLineSize,
			"overflow", len(data)-MaxLineSize)
		return fmt.Errorf("record size %d exceeds limit %d", len(data), MaxLineSize)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	// Flush per record so tail -f on the log stays live
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// Decoder reads newline-delimited JSON records from an input stream
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	lineNum int
}

// NewDecoder creates a new NDJSON decoder
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)

	buf := make([]byte, MaxLineSize)
	scanner.Buffer(buf, MaxLineSize)

	return &Decoder{
		scanner: scanner,
		logger:  logger,
		lineNum: 0,
	}
}

// Decode reads the next record, skipping empty lines
func (d *Decoder) Decode(v any) error {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return fmt.Errorf("scanner error at line %d: %w", d.lineNum, err)
		}
		return io.EOF
	}

	d.lineNum++
	data := d.scanner.Bytes()

	if len(data) > MaxLineSize {
		d.logger.Error("line exceeds size limit",
			"line", d.lineNum,
			"size", len(data),
			"limit", MaxLineSize)
		return fmt.Errorf("line %d size %d exceeds limit %d", d.lineNum, len(data), MaxLineSize)
	}

	if len(data) == 0 {
		return d.Decode(v)
	}

	if err := json.Unmarshal(data, v); err != nil {
		d.logger.Error("failed to unmarshal JSON",
			"line", d.lineNum,
			"error", err,
			"data", string(data[:min(100, len(data))]))
		return fmt.Errorf("failed to unmarshal line %d: %w", d.lineNum, err)
	}

	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
