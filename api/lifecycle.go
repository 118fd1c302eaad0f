package api

// Ref is a reference to a running subsystem, returned by Subsystem.Get.
type Ref interface {
	Subsystem() string
}

// Subsystem is the remote processor lifecycle service.
type Subsystem interface {
	// Get powers up the named subsystem if needed and takes a reference.
	Get(name string) (Ref, error)
	// Put drops a reference taken by Get.
	Put(ref Ref)
	// Initialized reports whether the subsystem's base firmware finished
	// its shared-memory initialization.
	Initialized(name string) bool
	// RequestLoopback asks the subsystem to start its loopback server.
	RequestLoopback(name string) error
}
