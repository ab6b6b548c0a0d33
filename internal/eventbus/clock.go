package eventbus

import "time"

// nowFunc is a var, not a direct time.Now call, so tests can pin timestamps
// deterministically without sleeping.
var nowFunc = time.Now
