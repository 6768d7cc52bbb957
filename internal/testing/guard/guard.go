package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("STOCKWATCH_TEST_MODE") == "" {
			_ = os.Setenv("STOCKWATCH_TEST_MODE", "1")
		}
	})
}
