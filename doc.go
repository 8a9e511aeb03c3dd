// Package camstream streams frames from a camera driver to a single consumer
// through a small fixed pool of buffers.
//
// The driver fills buffers as fast as the sensor produces frames. Each filled
// buffer replaces the previous unconsumed frame, so the consumer always sees
// the latest image and never stalls the driver. A watchdog stops the stream
// if the driver goes quiet, and driver faults stop it too; Err reports why.
//
//	open, _ := driver.Lookup("v4l2:/dev/video0")
//	s, err := camstream.Create(camstream.Params{Width: 640, Height: 480}, open)
//	...
//	s.Start()
//	f, err := s.WaitFrame(ctx)
//	process(f.Data())
//	s.ReturnFrame()
package camstream
