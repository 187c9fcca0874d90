package main

/*
#include <stdint.h>

// Exported from export.go; declared here so its address can be taken.
// cgo forbids C definitions in a file that also uses //export, hence the
// split.
extern int32_t xroverlayGetInstanceProcAddr(void *instance, const char *name, void *function);

static uintptr_t procAddrPtrC(void) {
	return (uintptr_t)&xroverlayGetInstanceProcAddr;
}
*/
import "C"

// procAddrPtr returns the C-callable address of the layer's
// GetInstanceProcAddr entry, as planted into the loader's negotiation
// request.
func procAddrPtr() uintptr {
	return uintptr(C.procAddrPtrC())
}
