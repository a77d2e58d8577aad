package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var filenamePattern = regexp.MustCompile(`^[\w.\-]+\.json$`)

// DiscoverProfiles scans dir for auth profile files (spec §6.1). Files
// starting with auth_state_ are ignored as transient; files that don't match
// filenamePattern are skipped. Returns profiles sorted by filename so
// ReconcileFleet's deterministic port assignment (spec §4.1 "Port
// management") is stable across restarts.
func DiscoverProfiles(dir string) ([]AuthProfile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "auth_state_") {
			continue
		}
		if !filenamePattern.MatchString(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	profiles := make([]AuthProfile, 0, len(names))
	for _, name := range names {
		full := filepath.Join(dir, name)
		info, err := os.Stat(full)
		if err != nil {
			continue
		}

		valid := info.Size() > 0
		if valid {
			f, err := os.Open(full)
			if err == nil {
				var js json.RawMessage
				if err := json.NewDecoder(f).Decode(&js); err != nil {
					valid = false
				}
				f.Close()
			} else {
				valid = false
			}
		}

		id := strings.TrimSuffix(name, ".json")
		profiles = append(profiles, AuthProfile{
			ID:          id,
			Email:       emailFromFilename(name),
			FilePath:    full,
			LastUpdated: info.ModTime(),
			Valid:       valid,
		})
	}
	return profiles, nil
}

// emailFromFilename derives an email address from an auth profile filename,
// following the single documented rule from spec §4.1: tokens joined by "."
// around the marker "_at_", with trailing numeric tokens discarded. Grounded
// in original_source/multi_instance/smart_instance_manager.py's
// _extract_email_from_filename, e.g.
// "jason_zhangfan_at_gmail_com_0718_1752807696.json" -> "jason.zhangfan@gmail.com".
func emailFromFilename(filename string) string {
	name := strings.TrimSuffix(filename, filepath.Ext(filename))

	if idx := strings.Index(name, "_at_"); idx >= 0 {
		userPart := name[:idx]
		domainPart := name[idx+len("_at_"):]

		userTokens := strings.Split(userPart, "_")
		domainTokens := strings.Split(domainPart, "_")

		kept := domainTokens
		for len(kept) > 0 && isNumericToken(kept[len(kept)-1]) {
			kept = kept[:len(kept)-1]
		}

		user := strings.Join(userTokens, ".")
		domain := strings.Join(kept, ".")
		return user + "@" + domain
	}

	if strings.Contains(name, "@") {
		return strings.SplitN(name, "_", 2)[0]
	}

	return name
}

func isNumericToken(tok string) bool {
	if tok == "" {
		return false
	}
	_, err := strconv.Atoi(tok)
	return err == nil
}
