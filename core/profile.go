package core

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const dobLayout = "2006-01-02"

var nationalIDPattern = regexp.MustCompile(`^\d{12}$`)

// Profile is the self-declared record a wallet owner attaches to their DID.
type Profile struct {
	Name       string `json:"name,omitempty" yaml:"name"`
	DOB        string `json:"dob,omitempty" yaml:"dob"`
	GitHub     string `json:"github,omitempty" yaml:"github"`
	NationalID string `json:"national_id,omitempty" yaml:"national_id"`
	Fiverr     string `json:"fiverr,omitempty" yaml:"fiverr"`
	Upwork     string `json:"upwork,omitempty" yaml:"upwork"`
	Additional string `json:"additional,omitempty" yaml:"additional"`
}

// Validate checks the profile against the submission rules as of now.
func (p Profile) Validate(now time.Time) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required: %w", ErrInvalidProfile)
	}
	if p.DOB != "" {
		dob, err := time.Parse(dobLayout, p.DOB)
		if err != nil {
			return fmt.Errorf("date of birth must be YYYY-MM-DD: %w", ErrInvalidProfile)
		}
		if age := yearsBetween(dob, now); age < 18 || age > 120 {
			return fmt.Errorf("age %d outside 18-120: %w", age, ErrInvalidProfile)
		}
	}
	if p.NationalID != "" && !nationalIDPattern.MatchString(p.NationalID) {
		return fmt.Errorf("national id must be 12 digits: %w", ErrInvalidProfile)
	}
	for field, link := range map[string]string{"github": p.GitHub, "fiverr": p.Fiverr, "upwork": p.Upwork} {
		if link == "" {
			continue
		}
		u, err := url.Parse(link)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an http(s) link: %w", field, ErrInvalidProfile)
		}
	}
	return nil
}

// Merge overlays the non-empty fields of update onto p.
func (p Profile) Merge(update Profile) Profile {
	pick := func(old, new string) string {
		if new != "" {
			return new
		}
		return old
	}
	return Profile{
		Name:       pick(p.Name, update.Name),
		DOB:        pick(p.DOB, update.DOB),
		GitHub:     pick(p.GitHub, update.GitHub),
		NationalID: pick(p.NationalID, update.NationalID),
		Fiverr:     pick(p.Fiverr, update.Fiverr),
		Upwork:     pick(p.Upwork, update.Upwork),
		Additional: pick(p.Additional, update.Additional),
	}
}

// Fields returns the non-empty fields keyed by their wire names.
func (p Profile) Fields() map[string]string {
	all := map[string]string{
		"name":        p.Name,
		"dob":         p.DOB,
		"github":      p.GitHub,
		"national_id": p.NationalID,
		"fiverr":      p.Fiverr,
		"upwork":      p.Upwork,
		"additional":  p.Additional,
	}
	for k, v := range all {
		if v == "" {
			delete(all, k)
		}
	}
	return all
}

// ProfileFromFields is the inverse of Fields.
func ProfileFromFields(m map[string]string) Profile {
	return Profile{
		Name:       m["name"],
		DOB:        m["dob"],
		GitHub:     m["github"],
		NationalID: m["national_id"],
		Fiverr:     m["fiverr"],
		Upwork:     m["upwork"],
		Additional: m["additional"],
	}
}

func yearsBetween(from, to time.Time) int {
	years := to.Year() - from.Year()
	if to.Month() < from.Month() || (to.Month() == from.Month() && to.Day() < from.Day()) {
		years--
	}
	return years
}
