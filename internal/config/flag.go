package config

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Flag is a bool that unmarshals from either JSON booleans or the 0/1
// integers used throughout trunk-recorder style configs.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	switch s {
	case "true", "1":
		*f = true
		return nil
	case "false", "0":
		*f = false
		return nil
	}
	return fmt.Errorf("invalid flag value %s (want true/false or 0/1)", data)
}

func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

// Bool returns the flag as a plain bool.
func (f Flag) Bool() bool { return bool(f) }

// TalkgroupSet is an allow-list of talkgroup IDs. Entries are JSON numbers,
// numeric strings, or the wildcard "*". An empty set admits no talkgroups.
type TalkgroupSet struct {
	Wildcard bool
	IDs      []int
}

func (s *TalkgroupSet) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Wildcard = false
	s.IDs = s.IDs[:0]

	for _, entry := range raw {
		var num int
		if err := json.Unmarshal(entry, &num); err == nil {
			s.IDs = append(s.IDs, num)
			continue
		}

		var str string
		if err := json.Unmarshal(entry, &str); err != nil {
			return fmt.Errorf("invalid talkgroup entry %s", entry)
		}
		if str == "*" {
			s.Wildcard = true
			continue
		}
		num, err := strconv.Atoi(str)
		if err != nil {
			return fmt.Errorf("invalid talkgroup entry %q", str)
		}
		s.IDs = append(s.IDs, num)
	}

	return nil
}

func (s TalkgroupSet) MarshalJSON() ([]byte, error) {
	out := make([]any, 0, len(s.IDs)+1)
	if s.Wildcard {
		out = append(out, "*")
	}
	for _, id := range s.IDs {
		out = append(out, id)
	}
	return json.Marshal(out)
}

// Allows reports whether the set admits the given talkgroup.
func (s TalkgroupSet) Allows(tg int) bool {
	if s.Wildcard {
		return true
	}
	for _, id := range s.IDs {
		if id == tg {
			return true
		}
	}
	return false
}
