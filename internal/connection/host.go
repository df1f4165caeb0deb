package connection

// Host is the application that receives the connection once it is ready.
type Host interface {
	SetDB(c *Connection)
	DB() *Connection
}

// Teardown shuts the database down and then calls next exactly once.
type Teardown func(next func(error))

// ShutdownRegistrar is implemented by hosts that run hooks on shutdown.
// The manager registers its teardown at most once.
type ShutdownRegistrar interface {
	OnDone(t Teardown)
}

// ProcessProbe reports on the supervised mongod for connect diagnostics.
type ProcessProbe interface {
	Running() bool
	LogPath() string
}
