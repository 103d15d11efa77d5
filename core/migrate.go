package core

import (
	"fmt"
	"os"

	. "github.com/stevegt/goadapt"
	"github.com/stevegt/semver"
)

// DBVersion returns the schema version recorded in the database.
func (rsv *Reservoir) DBVersion() (version string, err error) {
	defer Return(&err)
	version, err = rsv.store.GetConfig("version")
	Ck(err)
	return
}

// migrate migrates the reservoir database from an older version to
// the current version.
func (rsv *Reservoir) migrate() (migrated bool, was, now string, err error) {
	defer Return(&err)

	dbver, err := rsv.store.GetConfig("version")
	Ck(err)

	// a fresh database gets stamped with the current version
	if dbver == "" {
		dbver = Version
		err = rsv.store.SetConfig("version", dbver)
		Ck(err)
	}

	was = dbver
	now = dbver

	// loop until migrations are done
	for {

		// check if migration is necessary
		var dbv, codev *semver.Version
		dbv, err = semver.Parse([]byte(dbver))
		Ck(err)
		codev, err = semver.Parse([]byte(Version))
		Ck(err)
		if semver.Cmp(dbv, codev) == 0 {
			// no migration necessary
			break
		}

		// see if db is newer version than code
		if semver.Cmp(dbv, codev) > 0 {
			// db is newer than code
			err = fmt.Errorf("reservoir db is version %s, but you're running version %s -- upgrade reservoir", dbver, Version)
			return
		}

		Fpf(os.Stderr, "migrating from %s to %s\n", dbver, Version)

		// if we get here, then dbver < codever
		_, minor, patch := semver.Upgrade(dbv, codev)
		Assert(patch, "patch should be true: %s -> %s", dbv, codev)

		// figure out what kind of migration we need to do
		if minor {
			// minor version changed; db migration necessary
			dbver, err = rsv.migrateOneVersion(dbver)
			Ck(err)
		} else {
			// only patch version changed; a patch version change is
			// just a code change, so just update the version number
			// in the db
			dbver = Version
		}
		err = rsv.store.SetConfig("version", dbver)
		Ck(err)

		migrated = true
	}

	now = dbver

	return
}

// migrateOneVersion migrates the database from the given version to
// the next version.
func (rsv *Reservoir) migrateOneVersion(from string) (to string, err error) {
	defer Return(&err)

	// we only care about the major and minor version numbers
	v, err := semver.Parse([]byte(from))
	Ck(err)
	vstr := Spf("%s.%s.X", v.Major, v.Minor)

	switch vstr {

	// no schema migrations yet -- the first one lands here

	default:
		Assert(false, "migration missing: from version: %s", from)
	}
	return
}
