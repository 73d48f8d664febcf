// Package tools provides the built-in capabilities: file reading, creation
// and line editing, directory listing, in-file search, shell execution, the
// Python, test and lint runners, Go source analysis, and the task_complete
// signal. All of them operate through an Environment so they can be pointed
// at a directory other than the process's own.
package tools
