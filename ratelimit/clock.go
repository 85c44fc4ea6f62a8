package ratelimit

import "time"

// now is swappable in tests so bucket refill can be driven without sleeping.
var now = time.Now
