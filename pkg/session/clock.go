package session

import "time"

// now is swapped out by tests that pin call timestamps.
var now = time.Now
