package inbox

import "time"

var nowFunc = time.Now
