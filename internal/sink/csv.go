package sink

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"codeberg.org/mutker/powerlog/internal/errors"
	"codeberg.org/mutker/powerlog/internal/logger"
	"codeberg.org/mutker/powerlog/internal/pipeline"
)

const defaultDirPerm = 0o755

// weatherColumns is the fixed, stable weather column order. Column
// names follow the rail column convention of the record stream.
var weatherColumns = []string{
	"temperature",
	"humidity",
	"pressure",
	"visibility",
	"wind_speed",
	"wind_direction",
	"cloud_coverage",
	"condition",
}

// CSV appends one comma-separated row per record to a flat file. The
// header is written when the file is created; an existing file is
// appended to, never truncated. Absent weather is written as empty
// fields, never as a numeric placeholder.
type CSV struct {
	mu    sync.Mutex
	file  *os.File
	rails []string
}

func NewCSV(path string, rails []string) (*CSV, error) {
	errFactory := errors.New()

	if err := os.MkdirAll(filepath.Dir(path), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrOpenFailed, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errFactory.Wrap(ErrOpenFailed, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errFactory.Wrap(ErrOpenFailed, err)
	}

	s := &CSV{file: file, rails: rails}
	if info.Size() == 0 {
		if _, err := file.WriteString(strings.Join(s.header(), ",") + "\n"); err != nil {
			file.Close()
			return nil, errFactory.Wrap(ErrOpenFailed, err)
		}
	}

	logger.Debug().Str("path", path).Msg("CSV sink opened")

	return s, nil
}

func (s *CSV) header() []string {
	columns := make([]string, 0, 1+3*len(s.rails)+len(weatherColumns))
	columns = append(columns, "timestamp")
	for _, rail := range s.rails {
		columns = append(columns, rail+"_voltage", rail+"_current", rail+"_power")
	}
	return append(columns, weatherColumns...)
}

func (s *CSV) Append(ctx context.Context, rec *pipeline.Record) error {
	errFactory := errors.New()

	select {
	case <-ctx.Done():
		return errFactory.Wrap(errors.ErrTimeout, ctx.Err())
	default:
	}

	if len(rec.Power) != len(s.rails) {
		return errFactory.WithData(ErrRailMismatch, len(rec.Power))
	}

	fields := make([]string, 0, 1+3*len(s.rails)+len(weatherColumns))
	fields = append(fields, strconv.FormatFloat(float64(rec.Time.UnixNano())/1e9, 'f', 3, 64))
	for _, sample := range rec.Power {
		fields = append(fields,
			formatValue(sample.Voltage),
			formatValue(sample.Current),
			formatValue(sample.Power),
		)
	}
	if w := rec.Weather; w != nil {
		fields = append(fields,
			formatValue(w.Temperature),
			formatValue(w.Humidity),
			formatValue(w.Pressure),
			formatValue(w.Visibility),
			formatValue(w.WindSpeed),
			formatValue(w.WindDirection),
			formatValue(w.CloudCoverage),
			strconv.Itoa(w.ConditionID),
		)
	} else {
		for range weatherColumns {
			fields = append(fields, "")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The whole row goes out in one write so a crash can only lose the
	// row, not corrupt it.
	if _, err := s.file.WriteString(strings.Join(fields, ",") + "\n"); err != nil {
		return errFactory.Wrap(ErrAppendFailed, err)
	}

	return nil
}

func (s *CSV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Sync(); err != nil {
		logger.Warn().Err(err).Msg("Failed to sync record file")
	}
	if err := s.file.Close(); err != nil {
		return errors.New().Wrap(ErrCloseFailed, err)
	}
	return nil
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
