package security

import "regexp"

// DeniedModules lists modules whose import is rejected outright: anything
// that reaches the OS, the network, other processes, or interpreter
// internals. Submodule imports ("os.path") are rejected through their root.
var DeniedModules = []string{
	// process / OS
	"os", "sys", "subprocess", "shutil", "pty", "tty", "fcntl", "termios",
	"signal", "resource", "platform", "sysconfig", "atexit", "faulthandler",
	// filesystem
	"io", "pathlib", "tempfile", "glob",
	// network
	"socket", "socketserver", "http", "urllib", "ftplib", "smtplib",
	"telnetlib", "xmlrpc", "webbrowser",
	// inter-process / concurrency
	"multiprocessing", "threading", "concurrent", "asyncio",
	// reflection / serialization of live objects / dynamic loading
	"ctypes", "cffi", "importlib", "imp", "pickle", "shelve", "marshal",
	"code", "codeop", "gc", "inspect", "builtins",
}

// DeniedBuiltins lists built-in callables that enable dynamic execution,
// introspection, or host access when invoked directly by name.
var DeniedBuiltins = []string{
	"eval", "exec", "compile", "__import__",
	"getattr", "setattr", "delattr",
	"globals", "locals", "vars",
	"open", "input", "breakpoint",
}

// DeniedAttributes lists dunder attributes that expose class, bytecode, or
// closure internals commonly used to climb out of a restricted namespace.
var DeniedAttributes = []string{
	"__class__", "__bases__", "__subclasses__", "__mro__",
	"__globals__", "__code__", "__closure__", "__dict__",
	"__getattribute__", "__init_subclass__", "__builtins__",
	"__loader__", "__spec__", "__reduce__", "__reduce_ex__",
}

type textRule struct {
	re      *regexp.Regexp
	message string
}

// defaultTextRules are the raw-text obfuscation heuristics. The tree walk
// already covers the direct call forms; these target shapes that survive it,
// such as string-assembled names and escape-heavy literals.
var defaultTextRules = []textRule{
	{regexp.MustCompile(`__import__`), "reference to __import__"},
	{regexp.MustCompile(`getattr\s*\(`), "dynamic attribute lookup via getattr"},
	{regexp.MustCompile(`["']\s*__\w+__\s*["']`), "dunder name assembled as a string literal"},
	{regexp.MustCompile(`chr\s*\(\s*\d+\s*\)\s*\+\s*chr\s*\(`), "identifier assembled from chr() calls"},
	{regexp.MustCompile(`(\\x[0-9a-fA-F]{2}){8,}`), "long hex escape sequence"},
	{regexp.MustCompile(`(?i)b64decode`), "base64-decoded payload"},
}
