package api

import (
	"errors"
	"regexp"
	"strconv"
)

var rangeRegex = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)

var errRangeNotSatisfiable = errors.New("requested range not satisfiable")

// parseRange interprets a single-range Range header against an object of
// totalSize bytes. A header it does not understand is ignored, as HTTP
// allows. length is 0 when no range applies.
func parseRange(header string, totalSize int64) (offset, length int64, hasRange bool, err error) {
	if header == "" {
		return 0, 0, false, nil
	}
	m := rangeRegex.FindStringSubmatch(header)
	if m == nil || (m[1] == "" && m[2] == "") {
		return 0, 0, false, nil
	}
	startStr, endStr := m[1], m[2]

	if startStr == "" {
		suffix, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || suffix == 0 {
			return 0, 0, false, errRangeNotSatisfiable
		}
		if suffix > totalSize {
			suffix = totalSize
		}
		if suffix == 0 {
			return 0, 0, false, errRangeNotSatisfiable
		}
		return totalSize - suffix, suffix, true, nil
	}

	offset, perr := strconv.ParseInt(startStr, 10, 64)
	if perr != nil || offset >= totalSize {
		return 0, 0, false, errRangeNotSatisfiable
	}
	end := totalSize - 1
	if endStr != "" {
		e, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || e < offset {
			return 0, 0, false, errRangeNotSatisfiable
		}
		if e < end {
			end = e
		}
	}
	return offset, end - offset + 1, true, nil
}
