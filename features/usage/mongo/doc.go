// Package mongo provides a MongoDB-backed implementation of the session
// usage recorder. Build the low-level client via
// features/usage/mongo/clients/mongo and pass it to NewRecorder so sessions
// persist token accounting outside the delivery path.
package mongo
