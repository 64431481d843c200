package gearman

import (
	"os"

	"github.com/google/uuid"
)

// NamespaceEnvVar is the environment variable consulted for a default
// namespace when the caller never calls Client.SetNamespace explicitly.
const NamespaceEnvVar = "GEARMAN_NAMESPACE"

// generateUniqueId produces the canonical 36-character UUID form used
// when a caller omits a unique id. The protocol treats it as opaque
// text, so any UUID version is acceptable; google/uuid's default
// (random, version 4) is used.
func generateUniqueId() string {
	return uuid.New().String()
}

// resolveUniqueId: a caller-supplied id is used verbatim after a length
// check; an empty id is replaced with a freshly generated UUID.
func resolveUniqueId(supplied string) (string, error) {
	if supplied == "" {
		return generateUniqueId(), nil
	}
	if len(supplied) > MaxUniqueIdLength {
		return "", newError(InvalidArgument, "unique id exceeds 64 bytes")
	}
	return supplied, nil
}

// namespaced applies the Client's namespace prefix to a function or
// reducer name. The unique id is never prefixed.
func namespaced(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + name
}

func namespaceFromEnv() string {
	return os.Getenv(NamespaceEnvVar)
}
