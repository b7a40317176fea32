package condeval

import (
	"regexp"
	"sync"
)

var compileMu sync.Mutex
var compiled = map[string]*regexp.Regexp{}

// compileCached compiles pattern once per process and reuses the result
// for every subsequent evaluation of the same condition/success string —
// the same regex commonly runs once per retry and once per loop
// iteration.
func compileCached(pattern string) (*regexp.Regexp, error) {
	compileMu.Lock()
	defer compileMu.Unlock()

	if re, ok := compiled[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	compiled[pattern] = re
	return re, nil
}
