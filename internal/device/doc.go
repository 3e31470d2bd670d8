// Package device is the lifecycle root of the runtime. A Device owns one
// driver, one engine and the streams created on it; a Runtime owns the
// devices and is initialized and torn down explicitly.
package device
