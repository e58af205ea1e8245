package loadboard

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Record is one parsed row of the loads table.
type Record struct {
	ID       string
	Distance string
	Pickup   string
	Delivery string
	Stops    []string
}

// minRowCells is the column count a row needs to be a load row; header and
// filler rows have fewer and are skipped.
const minRowCells = 6

// ExtractRecords parses the snapshot's rows into records, in page order.
//
// Malformed rows (too few cells, or no load ID in the second cell) are
// skipped silently. Re-parsing the same snapshot yields the same records.
func ExtractRecords(snap Snapshot) []Record {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(snap)))
	if err != nil {
		return nil
	}

	var out []Record
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < minRowCells {
			return
		}

		id := strings.TrimSpace(cells.Eq(1).Find("strong").First().Text())
		if id == "" {
			return
		}

		rec := Record{
			ID:       id,
			Distance: strings.TrimSpace(cells.Eq(2).Text()),
			Pickup:   strings.TrimSpace(cells.Eq(3).Text()),
			Delivery: strings.TrimSpace(cells.Eq(4).Text()),
		}
		cells.Eq(5).Find("li").Each(func(_ int, li *goquery.Selection) {
			rec.Stops = append(rec.Stops, strings.TrimSpace(li.Text()))
		})

		out = append(out, rec)
	})
	return out
}
