// Package mongodb binds MongoDB sessions to transaction boundaries.
//
// The Client is a mutex-guarded connection hub around *mongo.Client with
// lazy reconnection; the Factory opens one server session per boundary and
// maps transaction definitions onto session transaction options. Multi
// document transactions require a replica set or mongos deployment.
package mongodb
