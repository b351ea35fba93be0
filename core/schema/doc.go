/*
Package schema defines the core types for runtime datatype definitions.

A datatype is a record type composed at runtime from typed fields. Instances of a
datatype ("entities") are created, read, updated, deleted and listed through the
lifecycle service, which validates them against the field composition, enforces
uniqueness and referential integrity, and runs hook steps around every operation.

# Datatype Definition

A minimal pair of datatypes in YAML:

	key: author
	status: published
	fields:
	  - { key: name,  type: string, required: true }
	  - { key: email, type: string, unique: true, constraints: { pattern: "^[^@]+@[^@]+$" } }

	key: post
	status: published
	storage: perType
	fields:
	  - { key: title,    type: string, required: true, constraints: { min_length: 3, max_length: 200 } }
	  - { key: slug,     type: string, unique: true }
	  - { key: authorId, type: ref, to: author, on_delete: restrict }
	  - { key: tags,     type: string, array: true }
	hooks:
	  afterGet:
	    - action: enrich
	      args: { with: [authorId] }

# Field Types

  - string:  Text value (min_length, max_length, pattern)
  - number:  Numeric value; numeric strings are coerced (integer, min, max)
  - boolean: true/false; the strings "true" and "false" are coerced
  - date:    RFC 3339 or YYYY-MM-DD strings, or epoch milliseconds
  - enum:    One of constraints.values, optionally case_insensitive
  - ref:     Id of an entity of the datatype named by "to"

A field may be required, array or unique, but never both unique and array.

# Hooks

Hook steps run before and after each operation, per phase (beforeCreate,
afterCreate, beforeGet, ...). A datatype lists its own steps under "hooks" and may
contribute steps to other datatypes under "contributes":

	contributes:
	  - target: post
	    hooks:
	      afterCreate:
	        - action: emit
	          args: { event: audit.post_created }

For a target and phase the own steps run first, then contributions in the load
order of the contributing datatypes.
*/
package schema
