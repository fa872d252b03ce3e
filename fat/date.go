package fat

import "time"

// ParseDate decodes a 16-bit FAT date stamp, days relative to the MS-DOS
// epoch of 1980-01-01: bits 0-4 day of month, bits 5-8 month, bits 9-15
// years since 1980. The result always has a time of 00:00:00 UTC.
//
// Day or month zero is invalid per the format; those stamps decode to the
// zero time.Time so callers can test with IsZero.
func ParseDate(input uint16) time.Time {
	day := int(input & 0x1F)
	month := int(input & 0x1E0 >> 5)
	year := int(input & 0xFE00 >> 9)

	if day == 0 || month == 0 {
		return time.Time{}
	}

	return time.Date(1980+year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// ParseTime decodes a 16-bit FAT time stamp with two-second granularity:
// bits 0-4 two-second count, bits 5-10 minutes, bits 11-15 hours. The
// result always has the date January 1 of year 1, so midnight stays
// IsZero-compatible.
//
// Out-of-range fields are clamped to 23:59:59 instead of overflowing into
// the next day.
func ParseTime(input uint16) time.Time {
	seconds := int(input&0x1F) * 2
	minutes := int(input & 0x7E0 >> 5)
	hours := int(input & 0xF800 >> 11)

	result := time.Date(1, 1, 1, hours, minutes, seconds, 0, time.UTC)
	if result.Day() > 1 {
		return time.Date(1, 1, 1, 23, 59, 59, 0, time.UTC)
	}

	return result
}
