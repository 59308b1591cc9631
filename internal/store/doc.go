// Package store persists live healing sessions and archived reports in an
// embedded Badger database.
//
// Keys:
//
//	session/<identity>/<session id>       live session JSON
//	report/<identity>/<closed-at nanos>   archived report JSON
//
// A session's identity can be reused once it is archived, so live entries
// carry the session id and reports sort by close time within an identity.
package store
