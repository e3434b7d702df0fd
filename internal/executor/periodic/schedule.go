// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package periodic implements the schedule grammar and self-scheduling
// helpers behind C9 (spec.md §4.5). The reference parser
// (original_source/job_executor/handlers/sla_monitoring.py
// _parse_schedule_interval) recognizes only a handful of patterns and
// silently falls back to "hourly" for anything else; spec.md §9's Open
// Question explicitly rejects that fallback. This package enumerates the
// recognized grammar exactly and returns a validation error for everything
// else.
package periodic

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	everyNMinutes = regexp.MustCompile(`^\*/(\d+) \* \* \* \*$`)
	everyNHours   = regexp.MustCompile(`^0 \*/(\d+) \* \* \*$`)

	namedSchedules = map[string]string{
		"hourly":           "0 * * * *",
		"daily":            "0 0 * * *",
		"every 15 minutes": "*/15 * * * *",
		"every 30 minutes": "*/30 * * * *",
	}

	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// Canonicalize validates schedule against the recognized grammar
// (`*/N * * * *`, `0 */N * * *`, `0 0 * * *`, or the named forms `Hourly`,
// `Daily`, `Every 15 minutes`, `Every 30 minutes`) and returns its
// canonical 5-field cron form. It returns an error — not a silent
// fallback — for anything unrecognized.
func Canonicalize(schedule string) (string, error) {
	trimmed := strings.TrimSpace(schedule)
	if trimmed == "" {
		return "", fmt.Errorf("periodic: empty schedule")
	}
	if canon, ok := namedSchedules[strings.ToLower(trimmed)]; ok {
		return canon, nil
	}
	if trimmed == "0 0 * * *" || everyNMinutes.MatchString(trimmed) || everyNHours.MatchString(trimmed) {
		return trimmed, nil
	}
	return "", fmt.Errorf("periodic: unrecognized schedule %q (expected */N * * * *, 0 */N * * *, 0 0 * * *, Hourly, Daily, Every 15 minutes, or Every 30 minutes)", schedule)
}

// IntervalMinutes returns the schedule's period in whole minutes, used by
// the scheduled-replication sweep to decide whether a protection group is
// due (spec.md §4.5).
func IntervalMinutes(schedule string) (int, error) {
	canon, err := Canonicalize(schedule)
	if err != nil {
		return 0, err
	}
	if m := everyNMinutes.FindStringSubmatch(canon); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n, nil
	}
	if m := everyNHours.FindStringSubmatch(canon); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n * 60, nil
	}
	if canon == "0 * * * *" {
		return 60, nil
	}
	if canon == "0 0 * * *" {
		return 24 * 60, nil
	}
	return 0, fmt.Errorf("periodic: unreachable canonical form %q", canon)
}

// NextRun computes the next time schedule fires strictly after after,
// using robfig/cron's standard 5-field parser against the canonicalized
// expression.
func NextRun(schedule string, after time.Time) (time.Time, error) {
	canon, err := Canonicalize(schedule)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := cronParser.Parse(canon)
	if err != nil {
		return time.Time{}, fmt.Errorf("periodic: parse canonical schedule %q: %w", canon, err)
	}
	return sched.Next(after), nil
}

// ShouldRunNow reports whether a protection group whose last run was
// lastRun (nil if never run) is due under schedule, as of now.
func ShouldRunNow(schedule string, lastRun *time.Time, now time.Time) (bool, error) {
	interval, err := IntervalMinutes(schedule)
	if err != nil {
		return false, err
	}
	if lastRun == nil {
		return true, nil
	}
	elapsed := now.Sub(*lastRun)
	return elapsed >= time.Duration(interval)*time.Minute, nil
}
