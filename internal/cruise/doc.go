// Package cruise holds the cruise data model and the rules that keep it
// consistent: loggers, modes, named configs, the current mode and each
// logger's current config.
//
// Everything here is pure and single-threaded. Storage backends own locking
// and persistence and apply State methods inside their atomic boundary.
package cruise
