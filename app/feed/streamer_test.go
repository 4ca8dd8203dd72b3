package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type recordingLog struct {
	lines []string
}

func (l *recordingLog) Append(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func writeXML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feed.xml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func decodeLines(t *testing.T, data []byte) []Record {
	t.Helper()
	var records []Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("Invalid JSON line %q: %v", scanner.Text(), err)
		}
		records = append(records, r)
	}
	return records
}

const threeItemFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Acme Careers</title>
    <item>
      <guid>acme-1</guid>
      <title>Backend Developer</title>
      <link>https://jobs.example.com/acme-1</link>
      <description>&lt;p&gt;Build &amp;amp; ship APIs&lt;/p&gt;</description>
      <location>Toronto, ON</location>
      <company>Acme</company>
      <salary>$80,000 - $95,000 per year</salary>
      <pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
    </item>
    <item>
      <guid>acme-2</guid>
      <title>   </title>
    </item>
    <item>
      <guid>acme-3</guid>
      <title>Data Analyst</title>
      <city>Montréal</city>
    </item>
  </channel>
</rss>`

func TestStreamerStream_SkipsItemsWithoutTitle(t *testing.T) {
	path := writeXML(t, threeItemFeed)
	log := &recordingLog{}
	seenAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	streamer := NewStreamer(nil, "fallback.test", seenAt, log)

	var sink bytes.Buffer
	var batches []int
	count, err := streamer.Stream(context.Background(), path, &sink, &Config{Name: "acme"}, 1, func(n int) {
		batches = append(batches, n)
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if count != 2 {
		t.Fatalf("Expected 2 records, got %d", count)
	}

	records := decodeLines(t, sink.Bytes())
	if len(records) != 2 {
		t.Fatalf("Expected 2 JSON lines, got %d", len(records))
	}

	if len(log.lines) != 1 || log.lines[0] != "[acme] skipped item 2: missing title" {
		t.Errorf("Unexpected log lines %v", log.lines)
	}
	if len(batches) != 2 || batches[0] != 1 || batches[1] != 1 {
		t.Errorf("Expected two batches of 1, got %v", batches)
	}

	first := records[0]
	if first.GUID != "acme-1" || first.FeedID != "acme" {
		t.Errorf("Unexpected identity %s/%s", first.GUID, first.FeedID)
	}
	if first.Excerpt != "Build & ship APIs" {
		t.Errorf("Unexpected excerpt %q", first.Excerpt)
	}
	if first.ProvinceCode != "ON" || first.Province != "Ontario" {
		t.Errorf("Unexpected province %s/%s", first.Province, first.ProvinceCode)
	}
	if first.Domain != "jobs.example.com" {
		t.Errorf("Unexpected domain %s", first.Domain)
	}
	if first.SalaryMin != 80000 || first.SalaryMax != 95000 || first.SalaryPeriod != "year" || first.SalaryCurrency != "CAD" {
		t.Errorf("Unexpected salary %v-%v %s/%s", first.SalaryMin, first.SalaryMax, first.SalaryCurrency, first.SalaryPeriod)
	}
	if first.PublishedAt == nil || !first.PublishedAt.Equal(time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC)) {
		t.Errorf("Unexpected published date %v", first.PublishedAt)
	}
	if !first.LastSeenAt.Equal(seenAt) {
		t.Errorf("Unexpected last seen %v", first.LastSeenAt)
	}
	if !strings.HasPrefix(first.Fingerprint, "v1:") {
		t.Errorf("Unexpected fingerprint %s", first.Fingerprint)
	}

	second := records[1]
	if second.Location != "Montréal" || second.ProvinceCode != "QC" {
		t.Errorf("Unexpected location %s/%s", second.Location, second.ProvinceCode)
	}
	if second.Domain != "fallback.test" {
		t.Errorf("Expected fallback domain, got %s", second.Domain)
	}
}

func TestStreamerStream_AtomAndCustomElements(t *testing.T) {
	atom := `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Board</title>
  <entry>
    <id>urn:job:9</id>
    <title type="html">&lt;b&gt;Nurse&lt;/b&gt;</title>
    <link href="https://board.example.org/9"/>
    <updated>2024-03-01T10:00:00Z</updated>
    <author><name>Clinic</name></author>
  </entry>
</feed>`

	streamer := NewStreamer(nil, "fallback.test", time.Now(), nil)
	var sink bytes.Buffer
	count, err := streamer.Stream(context.Background(), writeXML(t, atom), &sink, &Config{Name: "board"}, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("Expected 1 record, got %d", count)
	}

	record := decodeLines(t, sink.Bytes())[0]
	if record.GUID != "urn:job:9" || record.Title != "Nurse" || record.URL != "https://board.example.org/9" {
		t.Errorf("Unexpected record %+v", record)
	}

	jobs := `<jobs><job><reference>J1</reference><jobtitle>Welder</jobtitle><employer><name>Forge Ltd</name></employer><state>AB</state></job></jobs>`
	sink.Reset()
	count, err = streamer.Stream(context.Background(), writeXML(t, jobs), &sink, &Config{
		Name:     "forge",
		Settings: ConfigSettings{ItemElements: []string{"job"}},
	}, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("Expected 1 record, got %d", count)
	}
	record = decodeLines(t, sink.Bytes())[0]
	if record.GUID != "J1" || record.Title != "Welder" || record.Company != "Forge Ltd" || record.ProvinceCode != "AB" {
		t.Errorf("Unexpected record %+v", record)
	}
}

func TestStreamerStream_MaxItemsAndFilters(t *testing.T) {
	var b strings.Builder
	b.WriteString("<rss><channel>")
	for i := 1; i <= 5; i++ {
		company := "Acme"
		if i == 2 {
			company = "Spam Agency"
		}
		fmt.Fprintf(&b, "<item><guid>g%d</guid><title>Job %d</title><company>%s</company></item>", i, i, company)
	}
	b.WriteString("</channel></rss>")

	feedConfig := &Config{
		Name:     "capped",
		Settings: ConfigSettings{MaxItems: 3},
		Filters:  []ConfigFilter{{Field: "company", Excludes: []string{"agency"}}},
	}

	var sink bytes.Buffer
	count, err := NewStreamer(nil, "", time.Now(), nil).Stream(context.Background(), writeXML(t, b.String()), &sink, feedConfig, 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("Expected 3 records, got %d", count)
	}
	records := decodeLines(t, sink.Bytes())
	if records[0].GUID != "g1" || records[1].GUID != "g3" || records[2].GUID != "g4" {
		t.Errorf("Unexpected GUIDs %s %s %s", records[0].GUID, records[1].GUID, records[2].GUID)
	}
}

func TestStreamerStream_DocumentErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"truncated", `<rss><channel><item><title>One</title></item><item><title>Two`},
		{"no root", `just some text, not a document`},
		{"empty", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sink bytes.Buffer
			count, err := NewStreamer(nil, "", time.Now(), nil).Stream(context.Background(), writeXML(t, tt.content), &sink, &Config{Name: "bad"}, 10, nil)
			if count != 0 {
				t.Errorf("Expected zero count, got %d", count)
			}
			var parseErr *ParseError
			if !errors.As(err, &parseErr) {
				t.Errorf("Expected ParseError, got %v", err)
			}
		})
	}
}

func TestStreamerStream_MissingFile(t *testing.T) {
	var sink bytes.Buffer
	_, err := NewStreamer(nil, "", time.Now(), nil).Stream(context.Background(), filepath.Join(t.TempDir(), "missing.xml"), &sink, &Config{Name: "x"}, 10, nil)
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Errorf("Expected IOError, got %v", err)
	}
}

func TestStreamerStream_CancelledBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var sink bytes.Buffer

	count, err := NewStreamer(nil, "", time.Now(), nil).Stream(ctx, writeXML(t, threeItemFeed), &sink, &Config{Name: "acme"}, 1, func(int) {
		cancel()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if count != 0 {
		t.Errorf("Expected zero count on cancel, got %d", count)
	}
}

func TestFlatten(t *testing.T) {
	node := xmlNode{Children: []xmlNode{
		{XMLName: xmlName("Title"), Text: " First "},
		{XMLName: xmlName("title"), Text: "Second"},
		{XMLName: xmlName("company"), Children: []xmlNode{{XMLName: xmlName("name"), Text: "Acme"}}},
	}}

	fields := flatten(node)
	if fields["title"] != "First" {
		t.Errorf("Expected first value to win, got %q", fields["title"])
	}
	if fields["company_name"] != "Acme" {
		t.Errorf("Expected nested path, got %q", fields["company_name"])
	}
}

func xmlName(local string) xml.Name {
	return xml.Name{Local: local}
}
