package timezone

import (
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	mu              sync.RWMutex
	currentLocation *time.Location
)

// Initialize setzt die Zeitzone für Ereignis-Zeitstempel.
// Ein leerer Name fällt auf die TZ-Umgebungsvariable und danach auf UTC zurück.
func Initialize(name string) {
	if name == "" {
		name = os.Getenv("TZ")
	}
	if name == "" {
		name = "UTC"
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warnf("Failed to load timezone %s: %v. Falling back to UTC.", name, err)
		loc = time.UTC
	} else {
		log.Infof("Timezone set to %s", name)
	}

	mu.Lock()
	currentLocation = loc
	mu.Unlock()
}

// Location gibt die konfigurierte Zeitzone zurück (UTC, falls nicht initialisiert)
func Location() *time.Location {
	mu.RLock()
	defer mu.RUnlock()
	if currentLocation == nil {
		return time.UTC
	}
	return currentLocation
}

// Now gibt die aktuelle Zeit in der konfigurierten Zeitzone zurück
func Now() time.Time {
	return time.Now().In(Location())
}

// RFC3339 formatiert t in der konfigurierten Zeitzone
func RFC3339(t time.Time) string {
	return t.In(Location()).Format(time.RFC3339)
}
