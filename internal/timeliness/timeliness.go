// Package timeliness checks whether the data a conversational turn actually
// queried covers the period the participant asked about.
package timeliness

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type Status string

const (
	StatusOK           Status = "OK"
	StatusPartial      Status = "PARTIAL"
	StatusMismatch     Status = "MISMATCH"
	StatusUnknown      Status = "UNKNOWN"
	StatusNotEvaluated Status = "NOT_EVALUATED"
)

// maxRangeYears bounds a parsed range so a typo like 1900-2099 cannot blow up
// the expected bucket set.
const maxRangeYears = 50

// Bucket is one company-year cell of the dataset.
type Bucket struct {
	Company string `json:"company"`
	Year    int    `json:"year"`
}

// Footprint is what a turn asked for and what its SQL touched.
type Footprint struct {
	LatestRequest string   `json:"latestRequest"`
	SQLStatements []string `json:"sqlStatements"`
	Companies     []string `json:"companies"`
	Covered       []Bucket `json:"covered"`
}

type Result struct {
	Status         Status   `json:"status"`
	RequestedYears []int    `json:"requestedYears"`
	Expected       []Bucket `json:"expected"`
	CoveredInRange []Bucket `json:"coveredInRange"`
	Missing        []Bucket `json:"missing"`
	Reason         string   `json:"reason"`
}

var (
	yearPattern    = `((?:19|20)\d{2})`
	betweenPattern = regexp.MustCompile(`(?i)\bbetween\s+` + yearPattern + `\s+and\s+` + yearPattern + `\b`)
	fromToPattern  = regexp.MustCompile(`(?i)\bfrom\s+` + yearPattern + `\s+(?:to|until|through|till)\s+` + yearPattern + `\b`)
	dashPattern    = regexp.MustCompile(`\b` + yearPattern + `\s*(?:-|–|—|/|\.\.)\s*` + yearPattern + `\b`)
	singlePattern  = regexp.MustCompile(`\b` + yearPattern + `\b`)
)

// RequestedYears extracts the years a request refers to: every explicit
// range plus every standalone year outside those ranges.
func RequestedYears(text string) []int {
	years := make(map[int]bool)
	rest := []byte(text)
	for _, pattern := range []*regexp.Regexp{betweenPattern, fromToPattern, dashPattern} {
		for _, loc := range pattern.FindAllSubmatchIndex(rest, -1) {
			from, _ := strconv.Atoi(string(rest[loc[2]:loc[3]]))
			to, _ := strconv.Atoi(string(rest[loc[4]:loc[5]]))
			if from > to {
				from, to = to, from
			}
			if to-from > maxRangeYears {
				continue
			}
			for year := from; year <= to; year++ {
				years[year] = true
			}
			// Blank the range so its endpoints are not read again as single years.
			for i := loc[0]; i < loc[1]; i++ {
				rest[i] = ' '
			}
		}
	}
	for _, match := range singlePattern.FindAllSubmatch(rest, -1) {
		year, _ := strconv.Atoi(string(match[1]))
		years[year] = true
	}
	return sortedYears(years)
}

// Evaluate classifies a footprint. Checks apply in a fixed order: no SQL,
// no derivable range, nothing in range, any gap, and finally OK.
func Evaluate(f Footprint) Result {
	result := Result{
		RequestedYears: []int{},
		Expected:       []Bucket{},
		CoveredInRange: []Bucket{},
		Missing:        []Bucket{},
	}
	if !hasSQL(f.SQLStatements) {
		result.Status = StatusNotEvaluated
		result.Reason = "no SQL was executed for this turn"
		return result
	}

	result.RequestedYears = RequestedYears(f.LatestRequest)
	if len(result.RequestedYears) == 0 {
		result.Status = StatusUnknown
		result.Reason = "no time range could be derived from the request"
		return result
	}

	requested := make(map[int]bool, len(result.RequestedYears))
	for _, year := range result.RequestedYears {
		requested[year] = true
	}
	covered := make(map[Bucket]bool)
	observed := make([]string, 0)
	for _, bucket := range f.Covered {
		bucket = normalize(bucket)
		if bucket.Company == "" {
			continue
		}
		observed = append(observed, bucket.Company)
		if covered[bucket] {
			continue
		}
		covered[bucket] = true
		if requested[bucket.Year] {
			result.CoveredInRange = append(result.CoveredInRange, bucket)
		}
	}
	sortBuckets(result.CoveredInRange)
	if len(result.CoveredInRange) == 0 {
		result.Status = StatusMismatch
		result.Reason = "none of the queried data falls inside the requested range"
		return result
	}

	companies := uniqueCompanies(f.Companies)
	if len(companies) == 0 {
		companies = uniqueCompanies(observed)
	}
	for _, company := range companies {
		for _, year := range result.RequestedYears {
			bucket := Bucket{Company: company, Year: year}
			result.Expected = append(result.Expected, bucket)
			if !covered[bucket] {
				result.Missing = append(result.Missing, bucket)
			}
		}
	}
	if len(result.Missing) > 0 {
		result.Status = StatusPartial
		result.Reason = strconv.Itoa(len(result.Missing)) + " of " + strconv.Itoa(len(result.Expected)) + " requested company-years were not queried"
		return result
	}
	result.Status = StatusOK
	result.Reason = "every requested company-year was queried"
	return result
}

func hasSQL(statements []string) bool {
	for _, statement := range statements {
		if strings.TrimSpace(statement) != "" {
			return true
		}
	}
	return false
}

func normalize(b Bucket) Bucket {
	return Bucket{Company: strings.ToUpper(strings.TrimSpace(b.Company)), Year: b.Year}
}

func uniqueCompanies(names []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.ToUpper(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func sortedYears(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for year := range set {
		out = append(out, year)
	}
	sort.Ints(out)
	return out
}

func sortBuckets(buckets []Bucket) {
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Company != buckets[j].Company {
			return buckets[i].Company < buckets[j].Company
		}
		return buckets[i].Year < buckets[j].Year
	})
}
