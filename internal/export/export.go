// Package export appends refined rows to per-task CSV and SQL files.
package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/transform"
)

// Format names an export file type.
type Format string

// Supported formats.
const (
	FormatCSV Format = "csv"
	FormatSQL Format = "sql"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatSQL:
		return FormatSQL, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// Writer appends to <dir>/csv/<task>.csv and <dir>/sql/<task>.sql. Each file
// type has its own lock shared by every task.
type Writer struct {
	dir   string
	csvMu sync.Mutex
	sqlMu sync.Mutex
}

// New creates the export directories under dir.
func New(dir string) (*Writer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("export directory is required")
	}
	for _, sub := range []Format{FormatCSV, FormatSQL} {
		if err := os.MkdirAll(filepath.Join(dir, string(sub)), 0o750); err != nil {
			return nil, fmt.Errorf("create export dir: %w", err)
		}
	}
	return &Writer{dir: dir}, nil
}

// Path returns the export file for taskID.
func (w *Writer) Path(taskID string, f Format) string {
	return filepath.Join(w.dir, string(f), filepath.Base(taskID)+"."+string(f))
}

// AppendCSV writes rows, emitting the header only when the file is new.
func (w *Writer) AppendCSV(taskID string, columns []string, rows []harvest.Row) error {
	if len(rows) == 0 {
		return nil
	}
	w.csvMu.Lock()
	defer w.csvMu.Unlock()

	path := w.Path(taskID, FormatCSV)
	needHeader := true
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		needHeader = false
	}
	// #nosec G304 -- path is built from the export dir and a sanitized task id.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open csv export: %w", err)
	}
	cw := csv.NewWriter(f)
	if needHeader {
		if err := cw.Write(columns); err != nil {
			_ = f.Close()
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	record := make([]string, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			record[i] = csvValue(row[col])
		}
		if err := cw.Write(record); err != nil {
			_ = f.Close()
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush csv: %w", err)
	}
	return f.Close()
}

// AppendSQL writes one INSERT statement per row. Table and column names are
// quoted identifiers.
func (w *Writer) AppendSQL(taskID, table string, columns []string, rows []harvest.Row) error {
	if len(rows) == 0 {
		return nil
	}
	var b strings.Builder
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = transform.QuoteIdent(col)
	}
	cols := strings.Join(quoted, ", ")
	vals := make([]string, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			vals[i] = SQLLiteral(row[col])
		}
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s);\n", transform.QuoteIdent(table), cols, strings.Join(vals, ", "))
	}

	w.sqlMu.Lock()
	defer w.sqlMu.Unlock()
	// #nosec G304 -- path is built from the export dir and a sanitized task id.
	f, err := os.OpenFile(w.Path(taskID, FormatSQL), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open sql export: %w", err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write sql export: %w", err)
	}
	return f.Close()
}

// SQLLiteral renders v as a SQL literal: NULL, bare numbers and booleans,
// single-quoted strings with quotes doubled.
func SQLLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	default:
		return "'" + strings.ReplaceAll(textValue(v), "'", "''") + "'"
	}
}

func csvValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return textValue(v)
	}
}

func textValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case json.RawMessage:
		return string(x)
	case map[string]any, []any:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	default:
		return fmt.Sprint(x)
	}
}
