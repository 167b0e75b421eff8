/*
Package types provides the data model shared by the mogclient packages.

# Overview

A stored object is addressed by a Key (domain, key). The tracker assigns it a
FID at creation time and records which devices hold a replica. Reads resolve a
Key into an ordered list of Candidates, each either an HTTP endpoint on a
storage node or a local filesystem path when the store is mounted over NFS:

	Key ──► tracker / metadata cache ──► []Candidate ──► replica reader
	                                       (ordered)

Writes go the other way: create_open negotiates one or more Destinations, the
first of which receives the bytes, and create_close commits the FID.

# Sources

StoreFile accepts a Source, an explicit tagged variant built with FromBytes,
FromPath, or FromReader. Callers never rely on runtime capability probing to
pick a copy strategy.

# On-device layout

FIDPath renders the canonical replica path, zero-padding the FID to ten
digits and splitting it into directory levels:

	FIDPath(1, 12) == "/dev1/0/000/000/0000000012.fid"
*/
package types
