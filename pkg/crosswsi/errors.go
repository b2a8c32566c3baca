package crosswsi

import "errors"

var (
	ErrTimeout    = errors.New("crosswsi: acquire timed out")
	ErrSuboptimal = errors.New("crosswsi: swapchain suboptimal")
	ErrOutOfDate  = errors.New("crosswsi: swapchain out of date")
	ErrSurfaceLost = errors.New("crosswsi: surface lost")
)
