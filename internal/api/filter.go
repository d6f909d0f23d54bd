package api

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// filter keeps items matching every query parameter:
//
//	key         field is present
//	!key        field is absent
//	key=~regex  field matches regex, case insensitive
//	key=value   field equals value
func filter(items []map[string]string, query url.Values) ([]map[string]string, error) {
	filtered := items
	for key, values := range query {
		for _, value := range values {
			match, err := matcher(key, value)
			if err != nil {
				return nil, err
			}
			next := make([]map[string]string, 0, len(filtered))
			for _, item := range filtered {
				if match(item) {
					next = append(next, item)
				}
			}
			filtered = next
		}
	}
	return filtered, nil
}

func matcher(key, value string) (func(map[string]string) bool, error) {
	switch {
	case strings.HasPrefix(key, "!"):
		field := key[1:]
		return func(item map[string]string) bool {
			_, ok := item[field]
			return !ok
		}, nil
	case value == "":
		return func(item map[string]string) bool {
			_, ok := item[key]
			return ok
		}, nil
	case strings.HasPrefix(value, "~"):
		rx, err := regexp.Compile("(?i)" + value[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid regular expression for %s: %w", key, err)
		}
		return func(item map[string]string) bool {
			v, ok := item[key]
			return ok && rx.MatchString(v)
		}, nil
	default:
		return func(item map[string]string) bool {
			return item[key] == value
		}, nil
	}
}
