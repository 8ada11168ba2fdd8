// Package fixture is an in-memory provider for offline runs and tests.
//
// A fixture document describes the resources of one or more targets. The
// Client serves listings with paging and query matching, describe calls,
// single and bulk mutations and tag writes. Mutations change the stored
// records, so a later listing reflects them. Failures can be injected per
// call to exercise retry and error handling.
//
// The resource types it serves are listed by Table: aws.ec2, aws.ebs,
// aws.s3 and azure.appserviceplan.
package fixture
