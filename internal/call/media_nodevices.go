//go:build !(mediadevices && linux)

package call

import "fmt"

func newDeviceSource() (MediaSource, error) {
	return nil, fmt.Errorf("%w: built without the mediadevices tag", ErrMediaUnavailable)
}
