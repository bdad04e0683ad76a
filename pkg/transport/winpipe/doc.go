// Package winpipe carries connections over Windows named pipes. Endpoints
// look like pipe://name, where name is either a bare pipe name or a full
// \\.\pipe\ path. The transport exists only on windows builds.
package winpipe
