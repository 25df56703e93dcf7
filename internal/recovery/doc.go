// See recovery.go for the Driver type, its four recovery sources, and the
// INIT/INDEX/VERIFY_INDEX/TRANSLOG/FINALIZE/DONE stage machine.
package recovery
