package feed

import (
	"fmt"
	"strings"
)

// FilterFields lists the record fields a filter may target.
var FilterFields = map[string]bool{
	"title":       true,
	"description": true,
	"company":     true,
	"location":    true,
	"province":    true,
	"url":         true,
	"job_type":    true,
	"category":    true,
}

type Filterer struct{}

func NewFilterer() *Filterer {
	return &Filterer{}
}

// Check reports whether record is excluded by filters and why.
func (f *Filterer) Check(record Record, filters []ConfigFilter) (bool, string) {
	for _, filter := range filters {
		value := f.getFieldValue(record, filter.Field)

		for _, exclude := range filter.Excludes {
			if f.matchesFilter(value, exclude) {
				return true, fmt.Sprintf("Excluded by %s filter: contains '%s'", filter.Field, exclude)
			}
		}

		if len(filter.Includes) > 0 {
			matched := false
			for _, include := range filter.Includes {
				if f.matchesFilter(value, include) {
					matched = true
					break
				}
			}
			if !matched {
				return true, fmt.Sprintf("Excluded by %s filter: does not contain any of %v", filter.Field, filter.Includes)
			}
		}
	}

	return false, ""
}

func (f *Filterer) matchesFilter(value, pattern string) bool {
	return strings.Contains(NormalizeKey(value), NormalizeKey(pattern))
}

func (f *Filterer) getFieldValue(record Record, field string) string {
	switch field {
	case "title":
		return record.Title
	case "description":
		return record.Excerpt
	case "company":
		return record.Company
	case "location":
		return record.Location
	case "province":
		return record.Province + " " + record.ProvinceCode
	case "url":
		return record.URL
	case "job_type":
		return record.JobType
	case "category":
		return record.Category
	default:
		return ""
	}
}
