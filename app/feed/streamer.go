package feed

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/mmcdole/gofeed"
	xpp "github.com/mmcdole/goxpp"
	"golang.org/x/net/html/charset"
)

var DefaultItemElements = []string{"item", "entry", "job", "vacancy", "posting"}

var errMissingTitle = errors.New("missing title")

// Field aliases, in priority order, keyed by the flattened lower-cased
// element path ("company_name" for <company><name>).
var fieldAliases = map[string][]string{
	"guid":            {"guid", "id", "jobid", "job_id", "referencenumber", "reference", "requisitionid", "vacancyid"},
	"title":           {"title", "jobtitle", "job_title", "position", "positiontitle"},
	"description":     {"description", "encoded", "content", "body", "jobdescription", "job_description", "summary"},
	"url":             {"url", "link", "link_href", "apply_url", "applyurl", "joburl", "job_url"},
	"location":        {"location", "joblocation", "job_location", "city", "place", "location_city", "address_city"},
	"province":        {"province", "state", "region", "location_state", "location_province", "address_region"},
	"company":         {"company", "company_name", "companyname", "employer", "employer_name", "hiringorganization", "hiringorganization_name", "creator"},
	"company_url":     {"company_url", "companyurl", "company_website", "employer_url", "hiringorganization_url"},
	"salary":          {"salary", "compensation", "pay", "wage"},
	"salary_min":      {"salary_min", "salarymin", "min_salary", "minsalary", "salary_minimum", "salary_from"},
	"salary_max":      {"salary_max", "salarymax", "max_salary", "maxsalary", "salary_maximum", "salary_to"},
	"salary_currency": {"salary_currency", "salarycurrency", "currency"},
	"salary_period":   {"salary_period", "salary_type", "salaryperiod", "period"},
	"job_type":        {"job_type", "jobtype", "employmenttype", "employment_type", "type", "contract"},
	"category":        {"category", "categories", "sector", "industry"},
	"date":            {"pubdate", "date", "published", "date_posted", "dateposted", "posted", "posted_at", "created", "created_at", "updated"},
}

// xmlNode captures an arbitrary element tree.
type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []xmlNode  `xml:",any"`
}

// BatchFunc is called with the number of records written since the previous call.
type BatchFunc func(n int)

// Streamer converts one XML document into a line-delimited record stream
// without holding the document in memory.
type Streamer struct {
	filterer       *Filterer
	fallbackDomain string
	seenAt         time.Time
	log            LogSink
}

func NewStreamer(filterer *Filterer, fallbackDomain string, seenAt time.Time, log LogSink) *Streamer {
	if log == nil {
		log = DiscardLog
	}
	if filterer == nil {
		filterer = NewFilterer()
	}
	return &Streamer{
		filterer:       filterer,
		fallbackDomain: fallbackDomain,
		seenAt:         seenAt.UTC(),
		log:            log,
	}
}

// Stream reads xmlPath and writes one JSON record per line to sink. It returns
// the number of records written; any document-level failure returns zero.
func (s *Streamer) Stream(ctx context.Context, xmlPath string, sink io.Writer, feedConfig *Config, batchSize int, onBatch BatchFunc) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	if onBatch == nil {
		onBatch = func(int) {}
	}

	f, err := os.Open(xmlPath)
	if err != nil {
		return 0, &IOError{Op: "open", Path: xmlPath, Err: err}
	}
	defer f.Close()

	feedType := gofeed.DetectFeedType(io.LimitReader(f, 8192))
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, &IOError{Op: "seek", Path: xmlPath, Err: err}
	}
	slog.Debug("Streaming feed", "feed", feedConfig.Name, "type", feedTypeName(feedType))

	itemNames := itemElementSet(feedConfig.Settings.ItemElements)
	enc := json.NewEncoder(sink)
	enc.SetEscapeHTML(false)

	p := xpp.NewXMLPullParser(f, false, charset.NewReaderLabel)

	seenRoot := false
	index, written, pending, filtered := 0, 0, 0, 0
	for {
		event, err := p.Next()
		if err != nil {
			return 0, &ParseError{Path: xmlPath, Err: err}
		}
		if event == xpp.EndDocument {
			break
		}
		if event != xpp.StartTag {
			continue
		}
		seenRoot = true
		if !itemNames[strings.ToLower(p.Name)] {
			continue
		}

		var node xmlNode
		if err := p.DecodeElement(&node); err != nil {
			return 0, &ParseError{Path: xmlPath, Err: err}
		}
		index++

		record, err := s.buildRecord(flatten(node), feedConfig.Name)
		if err != nil {
			s.log.Append("[%s] skipped item %d: %v", feedConfig.Name, index, err)
			continue
		}

		if isFiltered, reason := s.filterer.Check(record, feedConfig.Filters); isFiltered {
			filtered++
			slog.Debug("Item filtered", "feed", feedConfig.Name, "guid", record.GUID, "reason", reason)
			continue
		}

		if err := enc.Encode(record); err != nil {
			return 0, &IOError{Op: "write", Path: feedConfig.Name + ".jsonl", Err: err}
		}
		written++
		pending++

		if pending >= batchSize {
			onBatch(pending)
			pending = 0
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}

		if feedConfig.Settings.MaxItems > 0 && written >= feedConfig.Settings.MaxItems {
			s.log.Append("[%s] reached max_items=%d", feedConfig.Name, feedConfig.Settings.MaxItems)
			break
		}
	}

	if !seenRoot {
		return 0, &ParseError{Path: xmlPath, Err: ErrNoRootElement}
	}
	if pending > 0 {
		onBatch(pending)
	}
	if filtered > 0 {
		s.log.Append("[%s] %d item(s) excluded by filters", feedConfig.Name, filtered)
	}

	return written, nil
}

func (s *Streamer) buildRecord(fields map[string]string, feedID string) (Record, error) {
	get := func(field string) string {
		for _, alias := range fieldAliases[field] {
			if v := fields[alias]; v != "" {
				return v
			}
		}
		return ""
	}

	record := Record{
		FeedID:      feedID,
		Title:       PlainText(get("title")),
		Description: CleanText(get("description")),
		URL:         CleanText(get("url")),
		Location:    PlainText(get("location")),
		Company:     PlainText(get("company")),
		CompanyURL:  CleanText(get("company_url")),
		JobType:     PlainText(get("job_type")),
		Category:    PlainText(get("category")),
		LastSeenAt:  s.seenAt,
	}
	if record.Title == "" {
		return Record{}, errMissingTitle
	}
	record.Excerpt = Truncate(PlainText(record.Description), excerptLength)

	if p, ok := LookupProvince(get("province")); ok {
		record.Province, record.ProvinceCode = p.Name, p.Code
	} else if p, ok := InferProvince(record.Location); ok {
		record.Province, record.ProvinceCode = p.Name, p.Code
	} else {
		record.Province = PlainText(get("province"))
	}
	record.Domain = DomainFromURL(record.URL, s.fallbackDomain)

	salaryText := PlainText(get("salary"))
	if lo, _, ok := ParseSalary(get("salary_min")); ok {
		record.SalaryMin = lo
	}
	if _, hi, ok := ParseSalary(get("salary_max")); ok {
		record.SalaryMax = hi
	}
	if record.SalaryMin == 0 && record.SalaryMax == 0 {
		if lo, hi, ok := ParseSalary(salaryText); ok {
			record.SalaryMin, record.SalaryMax = lo, hi
		}
	}
	record.SalaryCurrency = strings.ToUpper(CleanText(get("salary_currency")))
	if record.SalaryCurrency == "" {
		record.SalaryCurrency = SalaryCurrency(salaryText)
	}
	record.SalaryPeriod = SalaryPeriod(CleanText(get("salary_period")))
	if record.SalaryPeriod == "" {
		record.SalaryPeriod = SalaryPeriod(salaryText)
	}

	if raw := CleanText(get("date")); raw != "" {
		if t, err := dateparse.ParseAny(raw); err == nil {
			utc := t.UTC()
			record.PublishedAt = &utc
		}
	}

	record.GUID = CleanText(get("guid"))
	if record.GUID == "" {
		record.GUID = record.URL
	}
	if record.GUID == "" {
		sum := sha256.Sum256([]byte(feedID + "|" + record.Title + "|" + record.Company + "|" + record.Location))
		record.GUID = fmt.Sprintf("%s-%x", feedID, sum[:8])
	}

	record.Fingerprint = Fingerprint(record)
	return record, nil
}

// flatten maps an element tree to lower-cased paths. The first value seen
// for a path wins; attributes are exposed as "<path>_<attr>" and an empty
// element with an href uses it as its value (Atom links).
func flatten(node xmlNode) map[string]string {
	fields := make(map[string]string)
	var walk func(prefix string, children []xmlNode)
	walk = func(prefix string, children []xmlNode) {
		for _, child := range children {
			key := strings.ToLower(child.XMLName.Local)
			if prefix != "" {
				key = prefix + "_" + key
			}
			text := strings.TrimSpace(child.Text)
			for _, attr := range child.Attrs {
				attrKey := key + "_" + strings.ToLower(attr.Name.Local)
				if _, ok := fields[attrKey]; !ok {
					fields[attrKey] = attr.Value
				}
				if text == "" && strings.EqualFold(attr.Name.Local, "href") {
					text = attr.Value
				}
			}
			if _, ok := fields[key]; !ok && text != "" {
				fields[key] = text
			}
			if len(child.Children) > 0 {
				walk(key, child.Children)
			}
		}
	}
	walk("", node.Children)
	return fields
}

func itemElementSet(names []string) map[string]bool {
	if len(names) == 0 {
		names = DefaultItemElements
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToLower(strings.TrimSpace(n))] = true
	}
	return set
}

func feedTypeName(t gofeed.FeedType) string {
	switch t {
	case gofeed.FeedTypeRSS:
		return "rss"
	case gofeed.FeedTypeAtom:
		return "atom"
	case gofeed.FeedTypeJSON:
		return "json"
	}
	return "xml"
}
