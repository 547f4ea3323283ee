package osc

import "strings"

const wildcards = "?*[]{}"

// HasWildcard reports whether pattern uses any address-pattern syntax.
func HasWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, wildcards)
}

// Match reports whether address matches pattern. Parts are compared one
// "/"-separated segment at a time, so '*' never spans segments:
//
//	?         any single character
//	*         any run of characters, including none
//	[abc]     one character from the set; ranges a-z; leading '!' negates
//	{foo,bar} one of the comma-separated alternatives
//
// A pattern with no wildcard characters is compared literally.
func Match(pattern, address string) bool {
	if !HasWildcard(pattern) {
		return pattern == address
	}
	pp := strings.Split(pattern, "/")
	ap := strings.Split(address, "/")
	if len(pp) != len(ap) {
		return false
	}
	for i := range pp {
		if !matchPart(pp[i], ap[i]) {
			return false
		}
	}
	return true
}

func matchPart(p, s string) bool {
	for len(p) > 0 {
		switch p[0] {
		case '?':
			if len(s) == 0 {
				return false
			}
			p, s = p[1:], s[1:]
		case '*':
			for len(p) > 0 && p[0] == '*' {
				p = p[1:]
			}
			if len(p) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if matchPart(p, s[i:]) {
					return true
				}
			}
			return false
		case '[':
			end := strings.IndexByte(p, ']')
			if end < 0 || len(s) == 0 {
				return false
			}
			if !matchClass(p[1:end], s[0]) {
				return false
			}
			p, s = p[end+1:], s[1:]
		case '{':
			end := strings.IndexByte(p, '}')
			if end < 0 {
				return false
			}
			rest := p[end+1:]
			for _, alt := range strings.Split(p[1:end], ",") {
				if strings.HasPrefix(s, alt) && matchPart(rest, s[len(alt):]) {
					return true
				}
			}
			return false
		default:
			if len(s) == 0 || p[0] != s[0] {
				return false
			}
			p, s = p[1:], s[1:]
		}
	}
	return len(s) == 0
}

func matchClass(class string, c byte) bool {
	negate := false
	if len(class) > 0 && class[0] == '!' {
		negate = true
		class = class[1:]
	}
	found := false
	for i := 0; i < len(class); i++ {
		if i+2 < len(class) && class[i+1] == '-' {
			lo, hi := class[i], class[i+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			if c >= lo && c <= hi {
				found = true
			}
			i += 2
			continue
		}
		if class[i] == c {
			found = true
		}
	}
	return found != negate
}
