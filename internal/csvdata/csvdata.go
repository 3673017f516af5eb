// Package csvdata parses and re-serializes the daily auction CSV feed.
// Rows that cannot be mapped are reported as warnings and skipped; the
// parse as a whole only fails when the content is structurally unusable.
package csvdata

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/korean"

	"github.com/carmarket/auction-ingestion-service/internal/models"
)

// Header is the canonical column layout of the feed. Serialization always
// emits columns in this order.
var Header = []string{
	"Post Title", "sell_number", "car_number", "color", "fuel",
	"image", "km", "price", "title", "trans", "year",
	"auction_name", "vin", "score",
}

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// Parse splits raw CSV content into ordered auction rows. Column mapping
// is by header name, falling back to the canonical positional layout when
// the header names are unrecognized. Malformed rows are accumulated as
// warnings and excluded; row order is preserved.
func Parse(date string, raw []byte) ([]models.AuctionRow, []string, error) {
	text, err := decode(raw)
	if err != nil {
		return nil, nil, err
	}

	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	cols := columnIndex(header)

	var rows []models.AuctionRow
	var warnings []string
	for line := 2; ; line++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		if len(record) != len(header) {
			warnings = append(warnings, fmt.Sprintf("line %d: expected %d fields, got %d", line, len(header), len(record)))
			continue
		}

		rows = append(rows, models.AuctionRow{
			Date:        date,
			Index:       len(rows),
			PostTitle:   field(record, cols, "Post Title"),
			SellNumber:  field(record, cols, "sell_number"),
			CarNumber:   field(record, cols, "car_number"),
			Color:       field(record, cols, "color"),
			Fuel:        field(record, cols, "fuel"),
			ImageURL:    field(record, cols, "image"),
			KM:          field(record, cols, "km"),
			Price:       field(record, cols, "price"),
			Title:       field(record, cols, "title"),
			Trans:       field(record, cols, "trans"),
			Year:        field(record, cols, "year"),
			AuctionName: field(record, cols, "auction_name"),
			VIN:         field(record, cols, "vin"),
			Score:       field(record, cols, "score"),
		})
	}

	return rows, warnings, nil
}

// Serialize rebuilds CSV text from stored rows: canonical header, then
// rows in index order with field values emitted verbatim.
func Serialize(rows []models.AuctionRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(Header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.PostTitle, row.SellNumber, row.CarNumber, row.Color,
			row.Fuel, row.ImageURL, row.KM, row.Price, row.Title,
			row.Trans, row.Year, row.AuctionName, row.VIN, row.Score,
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write row %d: %w", row.Index, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}
	return buf.Bytes(), nil
}

// decode strips a UTF-8 BOM and falls back to EUC-KR when the content is
// not valid UTF-8, matching how the upstream feed has been observed to
// arrive.
func decode(raw []byte) (string, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	decoded, err := korean.EUCKR.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode euc-kr: %w", err)
	}
	return string(decoded), nil
}

// columnIndex maps canonical column names to positions in the actual
// header. When none of the canonical names appear, the header is assumed
// to be positional in canonical order.
func columnIndex(header []string) map[string]int {
	cols := make(map[string]int, len(Header))
	matched := 0
	for i, name := range header {
		name = strings.TrimSpace(name)
		for _, canonical := range Header {
			if strings.EqualFold(name, canonical) {
				cols[canonical] = i
				matched++
				break
			}
		}
	}
	if matched == 0 {
		for i, canonical := range Header {
			cols[canonical] = i
		}
	}
	return cols
}

func field(record []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(record) {
		return ""
	}
	return record[i]
}
